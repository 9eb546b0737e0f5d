package query

import (
	"github.com/kahlertfr/trajectory-spatialhash/pkg/async"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"go.uber.org/zap"
)

// Async variants of the query modes. The query body runs on the dispatcher's
// worker pool; the callback fires exactly once on the owner goroutine, with
// the results and any error. Tables must be loaded by the caller before
// issuing a query: workers never mutate the manager's cache.

func (e *Engine) QueryRadiusAsync(d *async.Dispatcher, datasetDir string, q geo.Vec3, r float32,
	cellSize float32, ts int32, onComplete func([]TrajectoryQueryResult, error), opts ...async.Option) error {

	return d.Submit("queryRadius", func() func() {
		results, err := e.QueryRadius(datasetDir, q, r, cellSize, ts)
		if err != nil {
			e.log.Error("async radius query failed", zap.Error(err))
		}
		return func() { onComplete(results, err) }
	}, opts...)
}

func (e *Engine) QueryRadiusLegacyAsync(d *async.Dispatcher, datasetDir string, q geo.Vec3, r float32,
	cellSize float32, ts int32, onComplete func([]SpatialQueryResult, error), opts ...async.Option) error {

	return d.Submit("queryRadiusLegacy", func() func() {
		results, err := e.QueryRadiusLegacy(datasetDir, q, r, cellSize, ts)
		if err != nil {
			e.log.Error("async legacy radius query failed", zap.Error(err))
		}
		return func() { onComplete(results, err) }
	}, opts...)
}

func (e *Engine) QueryDualRadiusAsync(d *async.Dispatcher, datasetDir string, q geo.Vec3,
	rInner, rOuter float32, cellSize float32, ts int32,
	onComplete func(inner, outer []TrajectoryQueryResult, err error), opts ...async.Option) error {

	return d.Submit("queryDualRadius", func() func() {
		inner, outer, err := e.QueryDualRadius(datasetDir, q, rInner, rOuter, cellSize, ts)
		if err != nil {
			e.log.Error("async dual radius query failed", zap.Error(err))
		}
		return func() { onComplete(inner, outer, err) }
	}, opts...)
}

func (e *Engine) QueryRadiusOverTimeRangeAsync(d *async.Dispatcher, datasetDir string, q geo.Vec3,
	r float32, cellSize float32, ts0, ts1 int32,
	onComplete func([]TrajectoryQueryResult, error), opts ...async.Option) error {

	return d.Submit("queryRadiusOverTimeRange", func() func() {
		results, err := e.QueryRadiusOverTimeRange(datasetDir, q, r, cellSize, ts0, ts1)
		if err != nil {
			e.log.Error("async time range query failed", zap.Error(err))
		}
		return func() { onComplete(results, err) }
	}, opts...)
}

func (e *Engine) QueryTrajectoryRadiusOverTimeRangeAsync(d *async.Dispatcher, datasetDir string,
	trajID uint32, r float32, cellSize float32, ts0, ts1 int32,
	onComplete func([]TrajectoryQueryResult, error), opts ...async.Option) error {

	return d.Submit("queryTrajectoryRadiusOverTimeRange", func() func() {
		results, err := e.QueryTrajectoryRadiusOverTimeRange(datasetDir, trajID, r, cellSize, ts0, ts1)
		if err != nil {
			e.log.Error("async trajectory query failed", zap.Error(err))
		}
		return func() { onComplete(results, err) }
	}, opts...)
}
