package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// Publish validates a definition and stores it as a new immutable version.
// The version number is assigned by the store.
func (c *Coordinator) Publish(ctx context.Context, def *schema.WorkflowDefinition, publishedBy string) (*store.WorkflowVersion, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is required")
	}
	if err := c.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	sum, err := Checksum(def)
	if err != nil {
		return nil, err
	}

	v := &store.WorkflowVersion{
		ID:          uuid.New().String(),
		WorkflowID:  def.ID,
		Name:        def.Name,
		Definition:  def,
		Checksum:    sum,
		PublishedBy: publishedBy,
		PublishedAt: c.now(),
	}
	if err := c.store.PublishVersion(ctx, v); err != nil {
		return nil, err
	}
	c.definitions.Store(v.ID, def)

	c.logger.InfoContext(ctx, "workflow version published",
		slog.String("workflow_id", v.WorkflowID),
		slog.String("version_id", v.ID),
		slog.Int("version", v.Version))
	return v, nil
}

// Checksum is the hex SHA-256 of the definition's JSON encoding.
func Checksum(def *schema.WorkflowDefinition) (string, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}
