/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package version

var (
	// Version specifies the version string of this build. Set at build time
	// with -ldflags "-X stash.kopano.io/kgol/kmilterd/version.Version=...".
	Version = "0.0.0-dev"

	// BuildDate specifies the date when this build was made.
	BuildDate = "1970-01-01T00:00:00Z"
)
