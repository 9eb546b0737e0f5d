package query

import (
	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
)

// SpatialQueryResult is the legacy single-distance result shape: one row per
// trajectory with its closest distance to the query point.
type SpatialQueryResult struct {
	TrajectoryID int32   `json:"trajectoryId"`
	Distance     float32 `json:"distance"`
}

// TrajectorySamplePoint is one verified sample of a result trajectory,
// annotated with its exact distance to the query reference.
type TrajectorySamplePoint struct {
	Position geo.Vec3 `json:"position"`
	TimeStep int32    `json:"timeStep"`
	Distance float32  `json:"distance"`
}

// TrajectoryQueryResult groups a trajectory's surviving samples, in time step
// order. The order of trajectories within a result list is not guaranteed.
type TrajectoryQueryResult struct {
	TrajectoryID int32                   `json:"trajectoryId"`
	SamplePoints []TrajectorySamplePoint `json:"samplePoints"`
}
