package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Debug           bool
	TestMode        bool
	Env             string
	Build           string
	AppName         string
	SecretKey       string
	FrontendBaseURL string
	WorkDir         string
	RollbarToken    string
	SendgridApiKey  string

	PasswordResetTimeoutDelta time.Duration
	DefaultFromEmail          mail.Address

	Server struct {
		Host                      string
		Port                      int
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	Database struct {
		Engine        string
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
		Debug         bool
	}

	Booking BookingConfig
}

// BookingConfig holds the marketplace rules applied to slots and reservations.
type BookingConfig struct {
	// CancellationWindow is the minimum notice for a refunded cancellation or a rebooking.
	CancellationWindow time.Duration
	// BookingCutoff closes bookings this long before a slot starts.
	BookingCutoff     time.Duration
	MinSlotDuration   time.Duration
	MaxSlotDuration   time.Duration
	MaxCapacity       int
	DefaultTokenCost  int64
	AutoCompleteDelay time.Duration
	ReminderLeadTime  time.Duration
	SweepInterval     time.Duration
}

func (conf Config) Address() string {
	return net.JoinHostPort(conf.Server.Host, strconv.Itoa(conf.Server.Port))
}

func (conf Config) DatabaseAddress() string {
	return net.JoinHostPort(conf.Database.Host, strconv.Itoa(conf.Database.Port))
}

// NewConfig loads the configuration from the environment (prefixed by $ENV) and the optional
// config/.env.<env> file.
func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("debug", true)
	v.SetDefault("build", "develop")
	v.SetDefault("appName", "Tutora")
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("defaultFromEmail", "Tutora <noreply@localhost>")
	v.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.debugHost", "0.0.0.0:4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.jwtRefreshExpirationDelta", 4*time.Hour)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "tutora")
	v.SetDefault("database.user", "tutora")
	v.SetDefault("database.password", "tutora")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.debug", false)

	v.SetDefault("booking.cancellationWindow", 24*time.Hour)
	v.SetDefault("booking.bookingCutoff", time.Hour)
	v.SetDefault("booking.minSlotDuration", 30*time.Minute)
	v.SetDefault("booking.maxSlotDuration", 4*time.Hour)
	v.SetDefault("booking.maxCapacity", 20)
	v.SetDefault("booking.defaultTokenCost", int64(1))
	v.SetDefault("booking.autoCompleteDelay", 2*time.Hour)
	v.SetDefault("booking.reminderLeadTime", 24*time.Hour)
	v.SetDefault("booking.sweepInterval", 5*time.Minute)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
		v.SetDefault("database.name", "tutora_test")
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	workDir := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := new(Config)
	conf.Debug = v.GetBool("debug")
	conf.TestMode = v.GetBool("testMode")
	conf.Env = env
	conf.Build = v.GetString("build")
	conf.AppName = v.GetString("appName")
	conf.SecretKey = v.GetString("secretKey")
	conf.FrontendBaseURL = strings.TrimSuffix(v.GetString("frontendBaseURL"), "/")
	conf.WorkDir = workDir
	conf.RollbarToken = v.GetString("rollbarToken")
	conf.SendgridApiKey = v.GetString("sendgridApiKey")
	conf.PasswordResetTimeoutDelta = v.GetDuration("passwordResetTimeoutDelta")

	from, err := mail.ParseAddress(v.GetString("defaultFromEmail"))
	if err != nil {
		log.Fatalf("config.defaultFromEmail: %v", err)
	}
	conf.DefaultFromEmail = *from

	conf.Server.Host = v.GetString("server.host")
	conf.Server.Port = v.GetInt("server.port")
	conf.Server.DebugHost = v.GetString("server.debugHost")
	conf.Server.ShutdownTimeout = v.GetDuration("server.shutdownTimeout")
	conf.Server.JWTExpirationDelta = v.GetDuration("server.jwtExpirationDelta")
	conf.Server.JWTRefreshExpirationDelta = v.GetDuration("server.jwtRefreshExpirationDelta")

	conf.Database.Engine = v.GetString("database.engine")
	conf.Database.Host = v.GetString("database.host")
	conf.Database.Port = v.GetInt("database.port")
	conf.Database.Name = v.GetString("database.name")
	conf.Database.User = v.GetString("database.user")
	conf.Database.Password = v.GetString("database.password")
	conf.Database.AdminUser = v.GetString("database.adminUser")
	conf.Database.AdminPassword = v.GetString("database.adminPassword")
	conf.Database.DisableTLS = v.GetBool("database.disableTLS")
	conf.Database.Debug = v.GetBool("database.debug")

	conf.Booking = BookingConfig{
		CancellationWindow: v.GetDuration("booking.cancellationWindow"),
		BookingCutoff:      v.GetDuration("booking.bookingCutoff"),
		MinSlotDuration:    v.GetDuration("booking.minSlotDuration"),
		MaxSlotDuration:    v.GetDuration("booking.maxSlotDuration"),
		MaxCapacity:        v.GetInt("booking.maxCapacity"),
		DefaultTokenCost:   v.GetInt64("booking.defaultTokenCost"),
		AutoCompleteDelay:  v.GetDuration("booking.autoCompleteDelay"),
		ReminderLeadTime:   v.GetDuration("booking.reminderLeadTime"),
		SweepInterval:      v.GetDuration("booking.sweepInterval"),
	}
	return conf
}
