/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"sync/atomic"
)

type AtomicBool int32

func (b *AtomicBool) IsSet() bool { return atomic.LoadInt32((*int32)(b)) != 0 }
func (b *AtomicBool) SetTrue()    { atomic.StoreInt32((*int32)(b), 1) }
func (b *AtomicBool) SetFalse()   { atomic.StoreInt32((*int32)(b), 0) }

// CompareFalseAndSetTrue sets the value to true and reports whether it was
// false before.
func (b *AtomicBool) CompareFalseAndSetTrue() bool {
	return atomic.CompareAndSwapInt32((*int32)(b), 0, 1)
}
