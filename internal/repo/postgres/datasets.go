package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/corral-labs/corral-go/internal/domain"
	"github.com/corral-labs/corral-go/internal/repo"
)

type DatasetStore struct {
	db DB
}

const (
	insertDatasetQuery = `INSERT INTO datasets (
		dataset_id,
		team_id,
		name,
		flow_name,
		metadata,
		created_at,
		created_by
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	selectDatasetQuery = `SELECT dataset_id, team_id, name, flow_name, metadata, created_at, created_by
	 FROM datasets
	 WHERE dataset_id = $1`
)

func NewDatasetStore(db DB) *DatasetStore {
	if db == nil {
		return nil
	}
	return &DatasetStore{db: db}
}

func (s *DatasetStore) CreateDataset(ctx context.Context, dataset domain.Dataset) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dataset store not initialized")
	}
	if err := dataset.Validate(); err != nil {
		return err
	}
	metadataJSON, err := encodeMetadata(dataset.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertDatasetQuery,
		strings.TrimSpace(dataset.ID),
		strings.TrimSpace(dataset.TeamID),
		strings.TrimSpace(dataset.Name),
		nullIfEmpty(dataset.FlowName),
		metadataJSON,
		normalizeTime(dataset.CreatedAt),
		nullIfEmpty(dataset.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

func (s *DatasetStore) GetDataset(ctx context.Context, id string) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, fmt.Errorf("dataset store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Dataset{}, fmt.Errorf("dataset id is required")
	}
	row := s.db.QueryRowContext(ctx, selectDatasetQuery, id)
	return scanDataset(row)
}

func (s *DatasetStore) ListDatasets(ctx context.Context, filter repo.DatasetFilter) ([]domain.Dataset, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("dataset store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.TeamID) != "" {
		args = append(args, strings.TrimSpace(filter.TeamID))
		clauses = append(clauses, fmt.Sprintf("team_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}

	query := `SELECT dataset_id, team_id, name, flow_name, metadata, created_at, created_by FROM datasets`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	datasets := make([]domain.Dataset, 0)
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, dataset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return datasets, nil
}

type datasetScanner interface {
	Scan(dest ...any) error
}

func scanDataset(scanner datasetScanner) (domain.Dataset, error) {
	var dataset domain.Dataset
	var flowName sql.NullString
	var createdBy sql.NullString
	var metadataJSON []byte
	if err := scanner.Scan(
		&dataset.ID,
		&dataset.TeamID,
		&dataset.Name,
		&flowName,
		&metadataJSON,
		&dataset.CreatedAt,
		&createdBy,
	); err != nil {
		return domain.Dataset{}, handleNotFound(err)
	}
	dataset.FlowName = strings.TrimSpace(flowName.String)
	dataset.CreatedBy = strings.TrimSpace(createdBy.String)
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("decode metadata: %w", err)
	}
	dataset.Metadata = metadata
	return dataset, nil
}
