package ingestion

import (
	"context"

	"github.com/aquifer-io/aquifer/internal/hydrology"
)

type (
	// WellKey identifies a well together with the region it belongs to.
	WellKey struct {
		RegionID string
		WellID   string
	}

	// ReferenceLookup resolves, in bulk, which referenced identifiers are valid targets for writes.
	// Implementations must issue a single round trip per call.
	ReferenceLookup interface {
		// ActiveRegions returns the subset of regionIDs that exist and are active.
		ActiveRegions(ctx context.Context, regionIDs []string) (map[string]struct{}, error)

		// ActiveWellKeys returns the (region, well) pairs for the given well ids whose region is active.
		ActiveWellKeys(ctx context.Context, wellIDs []string) (map[WellKey]struct{}, error)
	}

	// Sink bulk-inserts validated history records. Each call is one storage operation.
	Sink interface {
		InsertReadings(ctx context.Context, readings []hydrology.WaterReading) (int, error)
		InsertRainfall(ctx context.Context, records []hydrology.RainfallRecord) (int, error)
	}

	// RejectionArchive stores the full rejection report of an ingestion run and returns its key.
	RejectionArchive interface {
		Archive(ctx context.Context, report *Report) (string, error)
	}
)
