package services

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/charlesng35/gpubroker/internal/models"
	"github.com/charlesng35/gpubroker/pkg/codec"
)

// GenesisHash is the prevHash of the first audit entry.
var GenesisHash = strings.Repeat("0", 64)

// chainDomainKey is the ASCII domain name zero-padded to the 32 bytes BLAKE3
// keyed mode requires. Changing it invalidates every stored chain.
var chainDomainKey = [32]byte{
	'g', 'p', 'u', 'b', 'r', 'o', 'k', 'e', 'r', '.', 'a', 'u', 'd', 'i', 't', '.',
	'c', 'h', 'a', 'i', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// chainPayload is the canonical form of every hashed field except prevHash,
// which is fed to the hasher ahead of it.
type chainPayload struct {
	Seq          uint64 `cbor:"seq"`
	Timestamp    int64  `cbor:"ts"`
	EventType    string `cbor:"event"`
	ActorType    string `cbor:"actor_type"`
	ActorID      string `cbor:"actor_id"`
	ResourceType string `cbor:"resource_type"`
	ResourceID   string `cbor:"resource_id"`
	SessionID    string `cbor:"session_id"`
	Outcome      string `cbor:"outcome"`
	Context      any    `cbor:"context"`
}

// computeEntryHash returns the hex chain hash for entry, linking it to entry.PrevHash.
func computeEntryHash(entry *models.AuditEntry) (string, error) {
	prev, err := hex.DecodeString(entry.PrevHash)
	if err != nil || len(prev) != 32 {
		return "", fmt.Errorf("audit chain: malformed prev hash at seq %d", entry.Seq)
	}

	ctxValue, err := decodeAuditContext(entry.Context)
	if err != nil {
		return "", fmt.Errorf("audit chain: decode context at seq %d: %w", entry.Seq, err)
	}

	sessionID := ""
	if entry.SessionID != nil {
		sessionID = *entry.SessionID
	}

	payload, err := codec.Marshal(chainPayload{
		Seq:          entry.Seq,
		Timestamp:    entry.Timestamp.UnixMicro(),
		EventType:    entry.EventType,
		ActorType:    entry.ActorType,
		ActorID:      entry.ActorID,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		SessionID:    sessionID,
		Outcome:      entry.Outcome,
		Context:      ctxValue,
	})
	if err != nil {
		return "", fmt.Errorf("audit chain: encode seq %d: %w", entry.Seq, err)
	}

	hasher, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		panic("audit chain: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(prev)
	_, _ = hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// encodeAuditContext produces the stored JSON form of an entry context. Hashing
// always works from this stored form, so what verification reads back from the
// database reproduces the same canonical bytes.
func encodeAuditContext(ctx map[string]any) ([]byte, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit chain: marshal context: %w", err)
	}
	return raw, nil
}

func decodeAuditContext(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// chainTime normalises timestamps to the microsecond precision every supported
// store round-trips.
func chainTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
