package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/kvstore"
)

const (
	definitionPrefix  = "definition/"
	executionPrefix   = "execution/"
	ownerIndexPrefix  = "execution_owner/"
	idempotencyPrefix = "idempotency/"

	idempotencyTTL = 24 * time.Hour
)

// Repo persists definitions and executions through the shared key-value
// contract. Single-key writes only; the owner index is a key-per-execution
// prefix scan.
type Repo struct {
	store        kvstore.Store
	executionTTL time.Duration
}

func NewRepo(store kvstore.Store, executionTTL time.Duration) *Repo {
	return &Repo{store: store, executionTTL: executionTTL}
}

func (r *Repo) SaveDefinition(ctx context.Context, def Definition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, definitionPrefix+def.ID, raw, 0)
}

func (r *Repo) GetDefinition(ctx context.Context, id string) (Definition, error) {
	raw, err := r.store.Get(ctx, definitionPrefix+id)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return Definition{}, fmt.Errorf("%w: definition %s", ErrNotFound, id)
		}
		return Definition{}, err
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (r *Repo) ListDefinitions(ctx context.Context) ([]Definition, error) {
	keys, err := r.store.List(ctx, definitionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(keys))
	for _, key := range keys {
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var def Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repo) SaveExecution(ctx context.Context, exec Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, executionPrefix+exec.ID, raw, r.executionTTL); err != nil {
		return err
	}
	indexKey := ownerIndexPrefix + exec.OwnerID + "/" + exec.ID
	return r.store.Set(ctx, indexKey, []byte(exec.ID), r.executionTTL)
}

func (r *Repo) GetExecution(ctx context.Context, id string) (Execution, error) {
	raw, err := r.store.Get(ctx, executionPrefix+id)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return Execution{}, fmt.Errorf("%w: execution %s", ErrNotFound, id)
		}
		return Execution{}, err
	}
	var exec Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

func (r *Repo) ListExecutionsByOwner(ctx context.Context, ownerID string) ([]Execution, error) {
	keys, err := r.store.List(ctx, ownerIndexPrefix+ownerID+"/")
	if err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, ownerIndexPrefix+ownerID+"/")
		exec, err := r.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ClaimIdempotencyKey maps key to executionID unless an earlier activation
// already claimed it, in which case the prior execution id is returned.
func (r *Repo) ClaimIdempotencyKey(ctx context.Context, key, executionID string) (string, bool, error) {
	existing, err := r.store.Get(ctx, idempotencyPrefix+key)
	if err == nil {
		return string(existing), false, nil
	}
	if !kvstore.IsNotFound(err) {
		return "", false, err
	}
	if err := r.store.Set(ctx, idempotencyPrefix+key, []byte(executionID), idempotencyTTL); err != nil {
		return "", false, err
	}
	return executionID, true, nil
}
