package util

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// BuildOptions are the knobs recognized by the incremental builder and the
// hash table manager. Values come from config.yaml when present; flags on the
// command line binaries override them.
type BuildOptions struct {
	CellSize           float32 `mapstructure:"cell_size" validate:"gt=0"`
	BoundingBoxMargin  float32 `mapstructure:"bounding_box_margin"`
	ComputeBoundingBox bool    `mapstructure:"compute_bounding_box"`
	BatchSize          int     `mapstructure:"batch_size" validate:"gte=1"`
	AutoCreate         bool    `mapstructure:"auto_create"`
	StartTimeStep      int32   `mapstructure:"start_time_step"`
	EndTimeStep        int32   `mapstructure:"end_time_step"`
}

func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		CellSize:           10.0,
		BoundingBoxMargin:  1.0,
		ComputeBoundingBox: true,
		BatchSize:          3,
	}
}

func ReadConfig(configPath string) error {
	viper.SetConfigName("config")
	viper.AddConfigPath(configPath)

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("fatal error config file: %w", err)
	}
	return nil
}

// LoadBuildOptions unmarshals the "build" section of the loaded config on top
// of the defaults and validates the result.
func LoadBuildOptions() (BuildOptions, error) {
	opts := DefaultBuildOptions()
	if err := viper.UnmarshalKey("build", &opts); err != nil {
		return opts, WrapErrorf(err, ErrValidation, "unmarshal build options")
	}
	if err := ValidateBuildOptions(opts); err != nil {
		return opts, err
	}
	return opts, nil
}

func ValidateBuildOptions(opts BuildOptions) error {
	if err := validator.New().Struct(opts); err != nil {
		return WrapErrorf(err, ErrValidation, "build options are not valid")
	}
	return nil
}
