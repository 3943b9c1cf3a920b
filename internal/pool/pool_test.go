/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pool

import (
	"testing"
	"time"

	"edgekv/internal/errors"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxPerDevice != 4 {
		t.Errorf("expected MaxPerDevice 4, got %d", config.MaxPerDevice)
	}
	if config.AcquireTimeout != 10*time.Second {
		t.Errorf("expected AcquireTimeout 10s, got %v", config.AcquireTimeout)
	}
}

func TestNewCorrectsInvalidConfig(t *testing.T) {
	p := New(Config{MaxPerDevice: -1, AcquireTimeout: 0})
	if p.config.MaxPerDevice != 4 {
		t.Errorf("expected MaxPerDevice corrected to 4, got %d", p.config.MaxPerDevice)
	}
	if p.config.AcquireTimeout != 10*time.Second {
		t.Errorf("expected AcquireTimeout corrected to 10s, got %v", p.config.AcquireTimeout)
	}
}

func TestAcquireReleaseTracksInUse(t *testing.T) {
	p := New(Config{MaxPerDevice: 2, AcquireTimeout: time.Second})

	if err := p.Acquire("device-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if stats := p.Stats("device-a"); stats.InUse != 1 {
		t.Errorf("expected InUse 1, got %d", stats.InUse)
	}

	if err := p.Acquire("device-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if stats := p.Stats("device-a"); stats.InUse != 2 {
		t.Errorf("expected InUse 2, got %d", stats.InUse)
	}

	p.Release("device-a")
	if stats := p.Stats("device-a"); stats.InUse != 1 {
		t.Errorf("expected InUse 1 after release, got %d", stats.InUse)
	}
}

func TestAcquireBlocksAtCapacityThenTimesOut(t *testing.T) {
	p := New(Config{MaxPerDevice: 1, AcquireTimeout: 50 * time.Millisecond})

	if err := p.Acquire("device-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	err := p.Acquire("device-a")
	if errors.Of(err) != errors.CodeBusy {
		t.Errorf("expected Busy, got %v", err)
	}
}

func TestAcquireUnblocksAfterRelease(t *testing.T) {
	p := New(Config{MaxPerDevice: 1, AcquireTimeout: time.Second})

	if err := p.Acquire("device-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Acquire("device-a")
	}()

	time.Sleep(10 * time.Millisecond)
	p.Release("device-a")

	if err := <-done; err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestDevicesAreIndependent(t *testing.T) {
	p := New(Config{MaxPerDevice: 1, AcquireTimeout: 50 * time.Millisecond})

	if err := p.Acquire("device-a"); err != nil {
		t.Fatalf("Acquire device-a: %v", err)
	}
	if err := p.Acquire("device-b"); err != nil {
		t.Fatalf("Acquire device-b should not block on device-a: %v", err)
	}
}

func TestCloseRejectsFurtherAcquire(t *testing.T) {
	p := New(DefaultConfig())
	p.Close()

	if err := p.Acquire("device-a"); errors.Of(err) != errors.CodeNotInit {
		t.Errorf("expected NotInit after Close, got %v", err)
	}
}
