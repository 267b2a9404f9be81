package postgres

import (
	"context"
	"encoding/json"

	"buildit/internal/store"

	"github.com/google/uuid"
)

// CreatePipeline inserts a pipeline definition and its stage list.
// It converts each stage's Commands/DependsOn/Env into JSON for storage
// before an INSERT.
func (s *Store) CreatePipeline(ctx context.Context, tx store.DBTransaction, pipeline *store.Pipeline, stages []store.Stage) error {
	executor := s.getExecutor(tx)

	_, err := executor.ExecContext(ctx, `
		INSERT INTO pipelines (id, tenant_id, name, config, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, pipeline.ID, pipeline.TenantID, pipeline.Name, pipeline.Config, pipeline.CreatedAt)
	if err != nil {
		return err
	}

	for _, stage := range stages {
		cmdJSON, err := json.Marshal(stage.Commands)
		if err != nil {
			return err
		}
		depJSON, err := json.Marshal(stage.DependsOn)
		if err != nil {
			return err
		}
		envJSON, err := json.Marshal(stage.Env)
		if err != nil {
			return err
		}

		_, err = executor.ExecContext(ctx, `
			INSERT INTO stages (pipeline_id, name, image, commands, depends_on, env, timeout_seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, pipeline.ID, stage.Name, stage.Image, cmdJSON, depJSON, envJSON, int(stage.Timeout.Seconds()))
		if err != nil {
			return err
		}
	}

	return nil
}

// GetPipelineByID returns a pipeline and its stage list, ordered by name.
func (s *Store) GetPipelineByID(ctx context.Context, id uuid.UUID) (*store.Pipeline, []store.Stage, error) {
	var p store.Pipeline
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, config, created_at FROM pipelines WHERE id = $1
	`, id).Scan(&p.ID, &p.TenantID, &p.Name, &p.Config, &p.CreatedAt)
	if err != nil {
		return nil, nil, mapNoRows(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, image, commands, depends_on, env, timeout_seconds
		FROM stages WHERE pipeline_id = $1 ORDER BY name ASC
	`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var stages []store.Stage
	for rows.Next() {
		var st store.Stage
		var cmdJSON, depJSON, envJSON []byte
		var timeoutSeconds int
		if err := rows.Scan(&st.Name, &st.Image, &cmdJSON, &depJSON, &envJSON, &timeoutSeconds); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(cmdJSON, &st.Commands); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(depJSON, &st.DependsOn); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(envJSON, &st.Env); err != nil {
			return nil, nil, err
		}
		st.PipelineID = id
		st.Timeout = secondsToDuration(timeoutSeconds)
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return &p, stages, nil
}
