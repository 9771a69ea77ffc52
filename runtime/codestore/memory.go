package codestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

type (
	// MemoryKV is an in-process KV surface for tests and single-node runs.
	// Safe for concurrent use.
	MemoryKV struct {
		mu   sync.RWMutex
		data map[string][]byte
	}

	// MemoryObjects is an in-process object surface for tests and
	// single-node runs. Safe for concurrent use.
	MemoryObjects struct {
		mu   sync.RWMutex
		data map[string]memoryObject
	}

	memoryObject struct {
		data []byte
		info ObjectInfo
	}
)

// NewMemoryKV returns an empty in-memory KV surface.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get implements KV.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set implements KV.
func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

// Delete implements KV.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys implements KV.
func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// NewMemoryObjects returns an empty in-memory object surface.
func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{data: make(map[string]memoryObject)}
}

// Get implements ObjectStore.
func (m *MemoryObjects) Get(_ context.Context, key string) ([]byte, *ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.data[key]
	if !ok {
		return nil, nil, nil
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	info := obj.info
	return data, &info, nil
}

// Put implements ObjectStore.
func (m *MemoryObjects) Put(_ context.Context, key string, data []byte, meta map[string]string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	sum := sha256.Sum256(data)
	info := ObjectInfo{
		Key:        key,
		Size:       int64(len(data)),
		UploadedAt: time.Now().UTC(),
		ETag:       hex.EncodeToString(sum[:16]),
		Metadata:   meta,
	}
	m.data[key] = memoryObject{data: stored, info: info}
	out := info
	return &out, nil
}

// Delete implements ObjectStore.
func (m *MemoryObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// List implements ObjectStore.
func (m *MemoryObjects) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Head implements ObjectStore.
func (m *MemoryObjects) Head(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	info := obj.info
	return &info, nil
}
