package secrets

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/pkg/schema"
)

// memStore is an in-memory SecretStore.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *memStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *memStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func newTestVault(t *testing.T) (*AESVault, *memStore) {
	t.Helper()
	s := newMemStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_RoundTrip(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "webhook_token", []byte("tok-123")))
	assert.NotContains(t, string(s.data["webhook_token"]), "tok-123")

	got, err := v.Resolve(ctx, "webhook_token")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", string(got))

	require.NoError(t, v.Store(ctx, "webhook_token", []byte("tok-456")))
	got, err = v.Resolve(ctx, "webhook_token")
	require.NoError(t, err)
	assert.Equal(t, "tok-456", string(got))
}

func TestAESVault_CiphertextBoundToKey(t *testing.T) {
	v, s := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a", []byte("alpha")))
	s.data["b"] = s.data["a"]

	_, err := v.Resolve(ctx, "b")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_WrongMasterKey(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()

	k1 := make([]byte, 32)
	k2 := make([]byte, 32)
	k2[31] = 1

	v1, err := NewAESVault(s, VaultConfig{MasterKey: k1})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "k", []byte("hidden")))

	v2, err := NewAESVault(s, VaultConfig{MasterKey: k2})
	require.NoError(t, err)
	_, err = v2.Resolve(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_Passphrase(t *testing.T) {
	v, err := NewAESVault(newMemStore(), VaultConfig{
		Passphrase: "correct horse",
		Salt:       []byte("0123456789abcdef"),
		Iterations: 1000,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	got, err := v.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "value", string(got))
}

func TestAESVault_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  VaultConfig
	}{
		{"short master key", VaultConfig{MasterKey: []byte("short")}},
		{"nothing", VaultConfig{}},
		{"passphrase without salt", VaultConfig{Passphrase: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESVault(newMemStore(), tt.cfg)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
		})
	}
}

func TestAESVault_InvalidKeyName(t *testing.T) {
	v, _ := newTestVault(t)
	err := v.Store(context.Background(), "has space", []byte("x"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
	assert.NoError(t, ValidKey("stripe.live_key-2"))
}

func TestAESVault_DeleteAndList(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "b", []byte("2")))
	require.NoError(t, v.Store(ctx, "a", []byte("1")))
	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, v.Delete(ctx, "a"))
	_, err = v.Resolve(ctx, "a")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestParseMasterKey(t *testing.T) {
	raw := make([]byte, 32)
	raw[0] = 0xAB
	key, err := ParseMasterKey(" " + hex.EncodeToString(raw) + "\n")
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	_, err = ParseMasterKey("zz")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
	_, err = ParseMasterKey("abcd")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_ResolvesInterpolatedHeaders(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "webhook_token", []byte("s3cr3t")))

	interp := expressions.NewInterpolator(v)
	got, err := interp.Resolve(ctx, "Bearer ${{secrets.webhook_token}}", &expressions.Scope{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cr3t", got)
}
