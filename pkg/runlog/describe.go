package runlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/syncclient"
)

// AttributeSummary is one attribute of an entity with its fetched value.
type AttributeSummary struct {
	Path  string          `json:"path" yaml:"path"`
	Type  models.AttrType `json:"type" yaml:"type"`
	Value any             `json:"value" yaml:"value"`
}

// Description is what the server holds for one entity.
type Description struct {
	QualifiedID string             `json:"entity" yaml:"entity"`
	Kind        string             `json:"kind" yaml:"kind"`
	Attributes  []AttributeSummary `json:"attributes" yaml:"attributes"`
}

// Describe fetches every attribute of a run, or of the project-level entity
// when run is empty.
func (c *Client) Describe(ctx context.Context, project, run string) (*Description, error) {
	if c.api == nil {
		return nil, models.ErrOfflineFetch
	}
	var e *syncclient.EntityResponse
	var err error
	if run == "" {
		e, err = c.api.GetProjectEntity(ctx, project)
	} else {
		e, err = c.api.GetRun(ctx, project, run)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve entity: %w", err)
	}

	attrs, err := c.api.ListAttributes(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	d := &Description{QualifiedID: e.QualifiedID(), Kind: e.Kind}
	for _, a := range attrs {
		p, err := models.ParsePath(a.Path)
		if err != nil {
			return nil, err
		}
		v, err := c.api.GetAttribute(ctx, e.ID, p)
		if errors.Is(err, models.ErrMissingField) {
			continue
		}
		if err != nil {
			return nil, err
		}
		val, err := decodeValue(v)
		if err != nil {
			return nil, err
		}
		d.Attributes = append(d.Attributes, AttributeSummary{Path: a.Path, Type: a.Type, Value: val})
	}
	return d, nil
}
