/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"bitbucket.org/avd/go-ipc/mmf"
	"bitbucket.org/avd/go-ipc/shm"

	"stash.kopano.io/kgol/kmilterd/server"
)

const (
	shmStatusProjectID  = "kmilterd"
	shmStatusTotalSize  = 1024 * 1024 // 1 MiB
	shmStatusHeaderSize = 128
	shmStatusVersion2   = uint8(2)
)

// shmStatusHeader is written little endian at the start of the object.
//
// Payload (start at byte 128)
// .. as long as PayloadSize says
// 32 byte payload sha256 signature
type shmStatusHeader struct {
	Version     uint8
	PayloadSize uint32
	PID         uint32
	UpdatedAt   int64 // unix seconds
}

var errStatusTooLarge = errors.New("status payload too large")

func ftok(s, id string) string {
	h := sha256.New()
	h.Write([]byte(s))
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:8])
}

type shmStatus struct {
	statePath string
	projectID string
}

func (s *shmStatus) ftok() string {
	if s.statePath == "" {
		panic("no state path set")
	}
	projectID := s.projectID
	if projectID == "" {
		projectID = shmStatusProjectID
	}
	return projectID + "-status." + ftok(s.statePath, projectID)
}

func (s *shmStatus) clear() error {
	return shm.DestroyMemoryObject(s.ftok())
}

func (s *shmStatus) set(status *server.Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	if len(payload)+sha256.Size > shmStatusTotalSize-shmStatusHeaderSize {
		return errStatusTooLarge
	}
	signature := sha256.Sum256(payload)

	obj, _, err := shm.NewMemoryObjectSize(s.ftok(), os.O_CREATE|os.O_RDWR, 0666, shmStatusTotalSize)
	if err != nil {
		return fmt.Errorf("failed to open shm for status: %w", err)
	}
	defer obj.Close()

	// Payload and signature first, the header makes them visible.
	if err = writeRegion(obj, shmStatusHeaderSize, append(payload, signature[:]...)); err != nil {
		return fmt.Errorf("failed to write status payload: %w", err)
	}

	var header bytes.Buffer
	if err = binary.Write(&header, binary.LittleEndian, &shmStatusHeader{
		Version:     shmStatusVersion2,
		PayloadSize: uint32(len(payload)),
		PID:         uint32(os.Getpid()),
		UpdatedAt:   time.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("failed to encode status header: %w", err)
	}
	if err = writeRegion(obj, 0, header.Bytes()); err != nil {
		return fmt.Errorf("failed to write status header: %w", err)
	}

	return nil
}

func writeRegion(obj mmf.Mappable, offset int64, data []byte) error {
	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READWRITE, offset, len(data))
	if err != nil {
		return err
	}
	defer region.Close()

	n, err := mmf.NewMemoryRegionWriter(region).Write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return err
	}
	return region.Flush(false)
}

func readRegion(obj mmf.Mappable, offset int64, size int) ([]byte, error) {
	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READ_ONLY, offset, size)
	if err != nil {
		return nil, err
	}
	defer region.Close()

	data, err := io.ReadAll(io.LimitReader(mmf.NewMemoryRegionReader(region), int64(size)))
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, io.ErrUnexpectedEOF
	}
	return data, nil
}

func (s *shmStatus) get() (*server.Status, error) {
	obj, err := shm.NewMemoryObject(s.ftok(), os.O_RDONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to read shm for status: %w", err)
	}
	defer obj.Close()

	headerData, err := readRegion(obj, 0, binary.Size(shmStatusHeader{}))
	if err != nil {
		return nil, fmt.Errorf("failed to read status header: %w", err)
	}
	var header shmStatusHeader
	if err = binary.Read(bytes.NewReader(headerData), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to decode status header: %w", err)
	}
	if header.Version != shmStatusVersion2 {
		return nil, fmt.Errorf("unknown status header version: %v", header.Version)
	}
	if int(header.PayloadSize)+sha256.Size > shmStatusTotalSize-shmStatusHeaderSize {
		return nil, errStatusTooLarge
	}

	data, err := readRegion(obj, shmStatusHeaderSize, int(header.PayloadSize)+sha256.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to read status payload: %w", err)
	}
	payload, signature := data[:header.PayloadSize], data[header.PayloadSize:]

	expected := sha256.Sum256(payload)
	if !bytes.Equal(expected[:], signature) {
		return nil, errors.New("status signature mismatch")
	}

	status := &server.Status{}
	if err = json.Unmarshal(payload, status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if status.PID == 0 {
		status.PID = int(header.PID)
	}

	return status, nil
}
