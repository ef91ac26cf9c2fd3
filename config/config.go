package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kcz17/latcontrol/controller"
	"github.com/spf13/viper"
)

type Config struct {
	Controller Controller `mapstructure:"controller" validate:"required"`
	Loop       Loop       `mapstructure:"loop" validate:"required"`
	Transport  Transport  `mapstructure:"transport" validate:"required"`
	Logging    Logging    `mapstructure:"logging" validate:"required"`
	API        API        `mapstructure:"api" validate:"required"`
}

type Controller struct {
	Kp       GainCurve `mapstructure:"kp" validate:"required"`
	Ki       GainCurve `mapstructure:"ki" validate:"required"`
	Kf       *float64  `mapstructure:"kf" validate:"required"`
	Kd       *float64  `mapstructure:"kd" validate:"required"`
	PosLimit *float64  `mapstructure:"posLimit" validate:"required"`
	NegLimit *float64  `mapstructure:"negLimit" validate:"required"`
	RateHz   *float64  `mapstructure:"rateHz" validate:"required,gt=0"`
	SatLimit *float64  `mapstructure:"satLimit" validate:"required,gte=0,lte=1"`
	// Deadzone is passed with every sample rather than fixed in the
	// controller, as the control loop may vary it at runtime.
	Deadzone                  *float64 `mapstructure:"deadzone" validate:"required,gte=0"`
	ProportionalOnMeasurement *bool    `mapstructure:"proportionalOnMeasurement" validate:"required"`
	// OutputScale is optional. When set, commands are multiplied by the
	// scheduled scale before clamping.
	OutputScale *GainCurve `mapstructure:"outputScale"`
}

type GainCurve struct {
	Speeds []float64 `mapstructure:"speeds" validate:"required,min=1"`
	Gains  []float64 `mapstructure:"gains" validate:"required,min=1"`
}

type Loop struct {
	Collector       *string `mapstructure:"collector" validate:"oneof=tachymeter array"`
	CollectorWindow *int    `mapstructure:"collectorWindow" validate:"required,gt=0"`
	// LogEvery is the number of control cycles between aggregated log lines.
	LogEvery *int `mapstructure:"logEvery" validate:"required,gt=0"`
}

type Transport struct {
	Driver *string `mapstructure:"driver" validate:"oneof=sim can"`
	CAN    CAN     `mapstructure:"can" validate:"required"`
	Sim    Sim     `mapstructure:"sim"`
	Queue  Queue   `mapstructure:"queue"`
}

type CAN struct {
	Interface *string `mapstructure:"interface" validate:"required"`
	StateID   *uint32 `mapstructure:"stateID" validate:"required"`
	CommandID *uint32 `mapstructure:"commandID" validate:"required"`
	// StaleAfterMs is the age at which a state frame is no longer used and
	// the loop disengages.
	StaleAfterMs *int `mapstructure:"staleAfterMs" validate:"required,gt=0"`
}

type Sim struct {
	Gain          *float64 `mapstructure:"gain"`
	TimeConstant  *float64 `mapstructure:"timeConstant"`
	NoiseStdDev   *float64 `mapstructure:"noiseStdDev"`
	Amplitude     *float64 `mapstructure:"amplitude"`
	SetpointCycle *float64 `mapstructure:"setpointCycle"`
	Speed         *float64 `mapstructure:"speed"`
}

type Queue struct {
	Enabled *bool   `mapstructure:"enabled"`
	Addr    *string `mapstructure:"addr"`
	DB      *int    `mapstructure:"db"`
	Name    *string `mapstructure:"name"`
}

// Logging driver sections are pointers so that only the selected driver's
// section is validated.
type Logging struct {
	Driver   *string   `mapstructure:"driver" validate:"oneof=noop stdout file influxdb redis"`
	File     *File     `mapstructure:"file" validate:"required_if=Driver file"`
	InfluxDB *InfluxDB `mapstructure:"influxdb" validate:"required_if=Driver influxdb"`
	Redis    *Redis    `mapstructure:"redis" validate:"required_if=Driver redis"`
}

type File struct {
	Path       *string `mapstructure:"path" validate:"required"`
	MaxSizeMB  *int    `mapstructure:"maxSizeMB" validate:"required"`
	MaxBackups *int    `mapstructure:"maxBackups" validate:"required"`
	MaxAgeDays *int    `mapstructure:"maxAgeDays" validate:"required"`
}

type InfluxDB struct {
	Host   *string `mapstructure:"host" validate:"required"`
	Token  *string `mapstructure:"token" validate:"required"`
	Org    *string `mapstructure:"org" validate:"required"`
	Bucket *string `mapstructure:"bucket" validate:"required"`
}

type Redis struct {
	Addr     *string `mapstructure:"addr" validate:"required"`
	Password *string `mapstructure:"password" validate:"required"`
	DB       *int    `mapstructure:"db" validate:"required"`
	Channel  *string `mapstructure:"channel" validate:"required"`
}

type API struct {
	Addr *string `mapstructure:"addr" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Controller.Kf", 1.0)
	v.SetDefault("Controller.Kd", 0.0)
	v.SetDefault("Controller.RateHz", 100.0)
	v.SetDefault("Controller.SatLimit", 0.8)
	v.SetDefault("Controller.Deadzone", 0.0)
	v.SetDefault("Controller.ProportionalOnMeasurement", false)

	v.SetDefault("Loop.Collector", "tachymeter")
	v.SetDefault("Loop.CollectorWindow", 1000)
	v.SetDefault("Loop.LogEvery", 100)

	v.SetDefault("Transport.Driver", "sim")
	v.SetDefault("Transport.CAN.Interface", "can0")
	v.SetDefault("Transport.CAN.StateID", 0x2E4)
	v.SetDefault("Transport.CAN.CommandID", 0x2E5)
	v.SetDefault("Transport.CAN.StaleAfterMs", 100)
	v.SetDefault("Transport.Sim.Gain", 10.0)
	v.SetDefault("Transport.Sim.TimeConstant", 0.1)
	v.SetDefault("Transport.Sim.NoiseStdDev", 0.02)
	v.SetDefault("Transport.Sim.Amplitude", 4.0)
	v.SetDefault("Transport.Sim.SetpointCycle", 10.0)
	v.SetDefault("Transport.Sim.Speed", 20.0)
	v.SetDefault("Transport.Queue.Enabled", false)
	v.SetDefault("Transport.Queue.Addr", "localhost:6379")
	v.SetDefault("Transport.Queue.DB", 1)
	v.SetDefault("Transport.Queue.Name", "steering_commands")

	v.SetDefault("Logging.Driver", "stdout")

	v.SetDefault("API.Addr", ":8079")
}

// ReadConfig reads config.yaml from the working directory or /app, exiting
// the process if the file is missing or invalid.
func ReadConfig() *Config {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("error: config.yaml not found in . or /app\nerr = %s", err)
		} else {
			log.Fatalf("error when reading config file: err = %s", err)
		}
	}

	config, err := Load(v)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			log.Printf("encountered validation errors:\n")
			for _, err := range validationErrs {
				fmt.Printf("\t%s\n", err.Error())
			}
			fmt.Println("Check your configuration file and try again.")
			os.Exit(1)
		}
		log.Fatalf("error occured while loading configuration: err = %s", err)
	}

	return config
}

// Load applies defaults and environment overrides to v, then decodes and
// validates the result.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("could not decode configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		if _, ok := err.(*validator.InvalidValidationError); ok {
			return nil, fmt.Errorf("unable to validate config: %w", err)
		}
		return nil, err
	}

	return &config, nil
}

// Build converts the controller section into a controller configuration.
func (c *Controller) Build() (controller.Config, error) {
	kp, err := controller.NewGainCurve(c.Kp.Speeds, c.Kp.Gains)
	if err != nil {
		return controller.Config{}, fmt.Errorf("invalid kp curve: %w", err)
	}
	ki, err := controller.NewGainCurve(c.Ki.Speeds, c.Ki.Gains)
	if err != nil {
		return controller.Config{}, fmt.Errorf("invalid ki curve: %w", err)
	}

	cfg := controller.NewConfig(kp, ki, *c.NegLimit, *c.PosLimit)
	cfg.Kf = *c.Kf
	cfg.Kd = *c.Kd
	cfg.RateHz = *c.RateHz
	cfg.SatLimit = *c.SatLimit
	cfg.ProportionalOnMeasurement = *c.ProportionalOnMeasurement

	if c.OutputScale != nil {
		scale, err := controller.NewGainCurve(c.OutputScale.Speeds, c.OutputScale.Gains)
		if err != nil {
			return controller.Config{}, fmt.Errorf("invalid outputScale curve: %w", err)
		}
		cfg.Convert = controller.ScaleBySpeed(scale)
	}

	return cfg, nil
}
