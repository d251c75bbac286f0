package domain

import (
	"errors"
	"strings"
	"time"
)

// Dataset is a top-level dataset entity scoped to a team.
type Dataset struct {
	ID        string
	TeamID    string
	Name      string
	FlowName  string
	Metadata  Metadata
	CreatedAt time.Time
	CreatedBy string
}

func (d Dataset) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("dataset id is required")
	}
	if strings.TrimSpace(d.TeamID) == "" {
		return errors.New("team id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("dataset name is required")
	}
	return nil
}
