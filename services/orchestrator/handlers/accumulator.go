// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the orchestrator service.
//
// This file implements secure accumulation of streamed answer tokens.
// Tokens are held in mlocked memory so partial answers never swap to disk,
// and are hashed incrementally so the final answer can be verified against
// the hash recorded in the turn log.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// AccumulatorBufferSize is the capacity of the mlocked token buffer.
	// 256 KB covers long answers with generous headroom; a turn answer that
	// exceeds it is a defect upstream, not a case to grow into.
	AccumulatorBufferSize = 256 * 1024

	// minMlockLimitKB is the minimum RLIMIT_MEMLOCK needed for secure mode.
	minMlockLimitKB = 256
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interface
// =============================================================================

// TokenAccumulator collects streamed answer tokens for one turn.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type TokenAccumulator interface {
	// Write appends a token. Tokens are hashed as they arrive.
	Write(token string) error

	// Finalize returns the accumulated answer and its hex SHA-256 hash,
	// then wipes the buffer. The accumulator is unusable afterwards.
	Finalize() (answer string, hash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent; use on
	// error paths.
	Destroy()

	// ID identifies this accumulator in logs.
	ID() string
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureAccumulator stores tokens in a memguard LockedBuffer: mlocked
// against swap, guard-paged, and explicitly wiped on Destroy.
type secureAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// NewTokenAccumulator creates an accumulator for one turn's answer.
//
// Secure mode requires RLIMIT_MEMLOCK of at least minMlockLimitKB. When the
// limit is too low, AITWIN_INSECURE_MEMORY=true selects a plain-memory
// fallback; without the override, creation fails so the operator has to
// decide rather than silently lose the guarantee.
func NewTokenAccumulator() (TokenAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("AITWIN_INSECURE_MEMORY") == "true" {
			return newPlainAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set AITWIN_INSECURE_MEMORY=true",
			currentMlockLimitKB, minMlockLimitKB)
	}

	buf := memguard.NewBuffer(AccumulatorBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", AccumulatorBufferSize)
	}
	buf.Melt()

	return &secureAccumulator{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow, answer too large")
	}

	tokenBytes := []byte(token)
	if a.offset+len(tokenBytes) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), AccumulatorBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], tokenBytes)
	a.offset += len(tokenBytes)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	return answer, hashStr, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *secureAccumulator) ID() string { return a.id }

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Plain-memory Fallback
// =============================================================================

// plainAccumulator is the fallback for systems without enough mlock. Data
// may swap to disk; wiping is best effort under Go's garbage collector.
type plainAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newPlainAccumulator() TokenAccumulator {
	accID := uuid.New().String()
	slog.Warn("created INSECURE token accumulator, answer data may swap to disk",
		"accumulator_id", accID)

	return &plainAccumulator{
		id:     accID,
		data:   make([]byte, 0, AccumulatorBufferSize),
		hasher: sha256.New(),
	}
}

func (a *plainAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow, answer too large")
	}

	tokenBytes := []byte(token)
	if len(a.data)+len(tokenBytes) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), AccumulatorBufferSize-len(a.data))
	}

	a.data = append(a.data, tokenBytes...)
	a.hasher.Write(tokenBytes)
	return nil
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	return answer, hashStr, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *plainAccumulator) ID() string { return a.id }

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Initialization
// =============================================================================

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
		} else {
			slog.Warn("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
		}
	})
}

// checkMlockLimit reads RLIMIT_MEMLOCK. Returns the limit in KB, or -1 for
// unlimited. When the limit cannot be read, secure mode is attempted anyway.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// PurgeSecureMemory wipes all memguard-allocated buffers. Called during
// graceful shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("purged secure memory")
}

var (
	_ TokenAccumulator = (*secureAccumulator)(nil)
	_ TokenAccumulator = (*plainAccumulator)(nil)
)
