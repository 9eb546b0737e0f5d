package geo

import (
	"math"
)

// Vec3 is a position in the dataset's Cartesian world space. Shard files
// store positions as 32-bit floats, so the components stay float32; distance
// math widens to float64.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

func NewVec3(x, y, z float32) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// IsNaN reports whether any component is NaN. Shards use NaN positions to
// mark time steps without a sample.
func (v Vec3) IsNaN() bool {
	return math.IsNaN(float64(v.X)) || math.IsNaN(float64(v.Y)) || math.IsNaN(float64(v.Z))
}

func DistSq(a, b Vec3) float64 {
	dx := float64(a.X) - float64(b.X)
	dy := float64(a.Y) - float64(b.Y)
	dz := float64(a.Z) - float64(b.Z)
	return dx*dx + dy*dy + dz*dz
}

func Dist(a, b Vec3) float64 {
	return math.Sqrt(DistSq(a, b))
}

func ComponentMin(a, b Vec3) Vec3 {
	return Vec3{
		X: float32(math.Min(float64(a.X), float64(b.X))),
		Y: float32(math.Min(float64(a.Y), float64(b.Y))),
		Z: float32(math.Min(float64(a.Z), float64(b.Z))),
	}
}

func ComponentMax(a, b Vec3) Vec3 {
	return Vec3{
		X: float32(math.Max(float64(a.X), float64(b.X))),
		Y: float32(math.Max(float64(a.Y), float64(b.Y))),
		Z: float32(math.Max(float64(a.Z), float64(b.Z))),
	}
}

// ComponentLessEq reports a <= b on every axis.
func ComponentLessEq(a, b Vec3) bool {
	return a.X <= b.X && a.Y <= b.Y && a.Z <= b.Z
}
