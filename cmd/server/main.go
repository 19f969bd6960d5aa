package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/contact_svc/internal/antispam"
	"github.com/MarkoPoloResearchLab/contact_svc/internal/httpapi"
	"github.com/MarkoPoloResearchLab/contact_svc/internal/mailer"
	"github.com/MarkoPoloResearchLab/contact_svc/internal/ratelimit"
)

const (
	commandUseName              = "server"
	commandShortDescription     = "Run the contact form server"
	commandLongDescription      = "Launch the contact form submission HTTP server"
	missingConfigurationMessage = "missing required configuration"
	loggerCreationErrorMessage  = "logger"
	logEventListening           = "listening"
	logEventRateLimitDisabled   = "rate_limiting_disabled"
	logFieldAddress             = "addr"
	loggerContextServer         = "server"

	flagNameApplicationAddress = "app-addr"
	flagNameDestinationAddress = "contact-to"
	flagNameFromAddress        = "contact-from"
	flagNameReplyToAddress     = "contact-reply-to"
	flagNameSubjectPrefix      = "contact-subject-prefix"
	flagNameContactField       = "contact-field"
	flagNameTurnstileSecret    = "turnstile-secret"
	flagNameCaptchaEnabled     = "captcha-enabled"
	flagNameHoneypotEnabled    = "honeypot-enabled"
	flagNameRedisAddress       = "rate-limit-redis-addr"
	flagNameRateLimitWindow    = "rate-limit-window-seconds"
	flagNameRateLimitMax       = "rate-limit-max-requests"
	flagNameSMTPAddress        = "smtp-addr"
	flagNameSMTPUsername       = "smtp-username"
	flagNameSMTPPassword       = "smtp-password"

	environmentKeyApplicationAddress = "APP_ADDR"
	environmentKeyDestinationAddress = "CONTACT_TO"
	environmentKeyFromAddress        = "CONTACT_FROM"
	environmentKeyReplyToAddress     = "CONTACT_REPLY_TO"
	environmentKeySubjectPrefix      = "CONTACT_SUBJECT_PREFIX"
	environmentKeyContactField       = "CONTACT_FIELD"
	environmentKeyTurnstileSecret    = "TURNSTILE_SECRET"
	environmentKeyCaptchaEnabled     = "CAPTCHA_ENABLED"
	environmentKeyHoneypotEnabled    = "HONEYPOT_ENABLED"
	environmentKeyRedisAddress       = "RATE_LIMIT_REDIS_ADDR"
	environmentKeyRateLimitWindow    = "RATE_LIMIT_WINDOW_SECONDS"
	environmentKeyRateLimitMax       = "RATE_LIMIT_MAX_REQUESTS"
	environmentKeySMTPAddress        = "SMTP_ADDR"
	environmentKeySMTPUsername       = "SMTP_USERNAME"
	environmentKeySMTPPassword       = "SMTP_PASSWORD"

	defaultApplicationAddress = ":8080"
	defaultDestinationAddress = "business@lqve.solutions"
	defaultFromAddress        = "no-reply@lqve.solutions"
	defaultReplyToAddress     = "business@lqve.solutions"
	defaultContactField       = "contact"
	defaultRateLimitWindow    = 600
	defaultRateLimitMax       = 5

	readHeaderTimeoutSeconds      = 5
	unexpectedArgumentsMessage    = "unexpected command arguments"
	commandInitializationFailure  = "failed to configure command"
	flagNotDefinedMessage         = "flag %s not defined"
	environmentConfigurationError = "failed to apply environment configuration"
)

// ServerConfig captures configuration needed to run the server.
type ServerConfig struct {
	ApplicationAddress     string
	DestinationAddress     string
	FromAddress            string
	ReplyToAddress         string
	SubjectPrefix          string
	ContactField           string
	TurnstileSecret        string
	CaptchaEnabled         bool
	HoneypotEnabled        bool
	RateLimitRedisAddress  string
	RateLimitWindowSeconds int
	RateLimitMaxRequests   int
	SMTPAddress            string
	SMTPUsername           string
	SMTPPassword           string
}

type flagBinding struct {
	environmentKey string
	flagName       string
}

var flagBindings = []flagBinding{
	{environmentKeyApplicationAddress, flagNameApplicationAddress},
	{environmentKeyDestinationAddress, flagNameDestinationAddress},
	{environmentKeyFromAddress, flagNameFromAddress},
	{environmentKeyReplyToAddress, flagNameReplyToAddress},
	{environmentKeySubjectPrefix, flagNameSubjectPrefix},
	{environmentKeyContactField, flagNameContactField},
	{environmentKeyTurnstileSecret, flagNameTurnstileSecret},
	{environmentKeyCaptchaEnabled, flagNameCaptchaEnabled},
	{environmentKeyHoneypotEnabled, flagNameHoneypotEnabled},
	{environmentKeyRedisAddress, flagNameRedisAddress},
	{environmentKeyRateLimitWindow, flagNameRateLimitWindow},
	{environmentKeyRateLimitMax, flagNameRateLimitMax},
	{environmentKeySMTPAddress, flagNameSMTPAddress},
	{environmentKeySMTPUsername, flagNameSMTPUsername},
	{environmentKeySMTPPassword, flagNameSMTPPassword},
}

// ServerApplication constructs and executes the server command.
type ServerApplication struct {
	configurationLoader *viper.Viper
}

// NewServerApplication creates a ServerApplication with default dependencies.
func NewServerApplication() *ServerApplication {
	return &ServerApplication{
		configurationLoader: viper.New(),
	}
}

// Command builds the Cobra command for the server.
func (application *ServerApplication) Command() (*cobra.Command, error) {
	rootCommand := &cobra.Command{
		Use:   commandUseName,
		Short: commandShortDescription,
		Long:  commandLongDescription,
		RunE:  application.runCommand,
	}

	if configurationErr := application.configureCommand(rootCommand); configurationErr != nil {
		return nil, configurationErr
	}

	return rootCommand, nil
}

func (application *ServerApplication) configureCommand(command *cobra.Command) error {
	loader := application.configurationLoader
	loader.SetDefault(environmentKeyApplicationAddress, defaultApplicationAddress)
	loader.SetDefault(environmentKeyDestinationAddress, defaultDestinationAddress)
	loader.SetDefault(environmentKeyFromAddress, defaultFromAddress)
	loader.SetDefault(environmentKeyReplyToAddress, defaultReplyToAddress)
	loader.SetDefault(environmentKeySubjectPrefix, httpapi.DefaultSubjectPrefix)
	loader.SetDefault(environmentKeyContactField, defaultContactField)
	loader.SetDefault(environmentKeyTurnstileSecret, "")
	loader.SetDefault(environmentKeyCaptchaEnabled, true)
	loader.SetDefault(environmentKeyHoneypotEnabled, true)
	loader.SetDefault(environmentKeyRedisAddress, "")
	loader.SetDefault(environmentKeyRateLimitWindow, defaultRateLimitWindow)
	loader.SetDefault(environmentKeyRateLimitMax, defaultRateLimitMax)
	loader.SetDefault(environmentKeySMTPAddress, "")
	loader.SetDefault(environmentKeySMTPUsername, "")
	loader.SetDefault(environmentKeySMTPPassword, "")
	loader.AutomaticEnv()

	commandFlags := command.Flags()
	commandFlags.String(flagNameApplicationAddress, defaultApplicationAddress, "address for the HTTP server to listen on")
	commandFlags.String(flagNameDestinationAddress, defaultDestinationAddress, "destination address for submissions")
	commandFlags.String(flagNameFromAddress, defaultFromAddress, "from address for outbound mail")
	commandFlags.String(flagNameReplyToAddress, defaultReplyToAddress, "reply-to address for outbound mail")
	commandFlags.String(flagNameSubjectPrefix, httpapi.DefaultSubjectPrefix, "subject line prefix for outbound mail")
	commandFlags.String(flagNameContactField, defaultContactField, "inbound field holding the submitter's contact or role")
	commandFlags.String(flagNameTurnstileSecret, "", "Turnstile server-side secret")
	commandFlags.Bool(flagNameCaptchaEnabled, true, "require and verify an anti-spam token")
	commandFlags.Bool(flagNameHoneypotEnabled, true, "silently drop submissions with a filled honeypot field")
	commandFlags.String(flagNameRedisAddress, "", "Redis address for the rate-limit counter store (empty disables limiting)")
	commandFlags.Int(flagNameRateLimitWindow, defaultRateLimitWindow, "rate-limit window in seconds")
	commandFlags.Int(flagNameRateLimitMax, defaultRateLimitMax, "maximum requests per address per window")
	commandFlags.String(flagNameSMTPAddress, "", "SMTP server address (host:port)")
	commandFlags.String(flagNameSMTPUsername, "", "SMTP username")
	commandFlags.String(flagNameSMTPPassword, "", "SMTP password")

	for _, binding := range flagBindings {
		if bindErr := application.bindFlag(commandFlags, binding.environmentKey, binding.flagName); bindErr != nil {
			return bindErr
		}
		if environmentErr := application.applyEnvironmentConfiguration(commandFlags, binding.environmentKey, binding.flagName); environmentErr != nil {
			return environmentErr
		}
	}

	return nil
}

func (application *ServerApplication) bindFlag(flagSet *pflag.FlagSet, environmentKey string, flagName string) error {
	flag := flagSet.Lookup(flagName)
	if flag == nil {
		return fmt.Errorf(flagNotDefinedMessage, flagName)
	}

	if bindErr := application.configurationLoader.BindPFlag(environmentKey, flag); bindErr != nil {
		return bindErr
	}

	return nil
}

func (application *ServerApplication) applyEnvironmentConfiguration(flagSet *pflag.FlagSet, environmentKey string, flagName string) error {
	environmentValue, environmentFound := os.LookupEnv(environmentKey)
	if !environmentFound {
		return nil
	}

	if setErr := flagSet.Set(flagName, environmentValue); setErr != nil {
		return fmt.Errorf("%s: %w", environmentConfigurationError, setErr)
	}

	return nil
}

func (application *ServerApplication) loadServerConfig() ServerConfig {
	loader := application.configurationLoader
	return ServerConfig{
		ApplicationAddress:     loader.GetString(environmentKeyApplicationAddress),
		DestinationAddress:     strings.TrimSpace(loader.GetString(environmentKeyDestinationAddress)),
		FromAddress:            strings.TrimSpace(loader.GetString(environmentKeyFromAddress)),
		ReplyToAddress:         strings.TrimSpace(loader.GetString(environmentKeyReplyToAddress)),
		SubjectPrefix:          strings.TrimSpace(loader.GetString(environmentKeySubjectPrefix)),
		ContactField:           strings.TrimSpace(loader.GetString(environmentKeyContactField)),
		TurnstileSecret:        strings.TrimSpace(loader.GetString(environmentKeyTurnstileSecret)),
		CaptchaEnabled:         loader.GetBool(environmentKeyCaptchaEnabled),
		HoneypotEnabled:        loader.GetBool(environmentKeyHoneypotEnabled),
		RateLimitRedisAddress:  strings.TrimSpace(loader.GetString(environmentKeyRedisAddress)),
		RateLimitWindowSeconds: loader.GetInt(environmentKeyRateLimitWindow),
		RateLimitMaxRequests:   loader.GetInt(environmentKeyRateLimitMax),
		SMTPAddress:            strings.TrimSpace(loader.GetString(environmentKeySMTPAddress)),
		SMTPUsername:           strings.TrimSpace(loader.GetString(environmentKeySMTPUsername)),
		SMTPPassword:           loader.GetString(environmentKeySMTPPassword),
	}
}

func (application *ServerApplication) runCommand(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return fmt.Errorf("%s: %s", unexpectedArgumentsMessage, strings.Join(arguments, " "))
	}

	serverConfig := application.loadServerConfig()

	if validationErr := ensureRequiredConfiguration(serverConfig); validationErr != nil {
		return validationErr
	}

	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return fmt.Errorf("%s: %w", loggerCreationErrorMessage, loggerErr)
	}
	defer func() {
		_ = logger.Sync()
	}()

	var counterStore ratelimit.CounterStore
	if serverConfig.RateLimitRedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: serverConfig.RateLimitRedisAddress})
		counterStore = ratelimit.NewRedisCounterStore(redisClient)
	} else {
		logger.Warn(logEventRateLimitDisabled)
	}
	limiter := ratelimit.NewFixedWindowLimiter(
		counterStore,
		time.Duration(serverConfig.RateLimitWindowSeconds)*time.Second,
		serverConfig.RateLimitMaxRequests,
		logger,
	)

	handlers := httpapi.NewContactHandlers(
		logger,
		httpapi.Config{
			DestinationAddress: serverConfig.DestinationAddress,
			FromAddress:        serverConfig.FromAddress,
			ReplyToAddress:     serverConfig.ReplyToAddress,
			SubjectPrefix:      serverConfig.SubjectPrefix,
			TurnstileSecret:    serverConfig.TurnstileSecret,
			CaptchaEnabled:     serverConfig.CaptchaEnabled,
			HoneypotEnabled:    serverConfig.HoneypotEnabled,
			ContactField:       serverConfig.ContactField,
		},
		limiter,
		antispam.NewTurnstileVerifier(),
		mailer.NewSMTPGateway(serverConfig.SMTPAddress, serverConfig.SMTPUsername, serverConfig.SMTPPassword),
	)

	router := httpapi.NewRouter(logger, handlers)

	httpServer := &http.Server{
		Addr:              serverConfig.ApplicationAddress,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeoutSeconds * time.Second,
	}

	logger.Info(logEventListening, zap.String(logFieldAddress, serverConfig.ApplicationAddress))
	if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Fatal(loggerContextServer, zap.Error(serveErr))
	}

	return nil
}

func ensureRequiredConfiguration(configuration ServerConfig) error {
	var missingParameters []string

	if configuration.SMTPAddress == "" {
		missingParameters = append(missingParameters, flagNameSMTPAddress)
	}

	if configuration.DestinationAddress == "" {
		missingParameters = append(missingParameters, flagNameDestinationAddress)
	}

	if configuration.FromAddress == "" {
		missingParameters = append(missingParameters, flagNameFromAddress)
	}

	if len(missingParameters) == 0 {
		return nil
	}

	return fmt.Errorf("%s: %s", missingConfigurationMessage, strings.Join(missingParameters, ", "))
}

func main() {
	application := NewServerApplication()
	rootCommand, commandErr := application.Command()
	if commandErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", commandInitializationFailure, commandErr)
		os.Exit(1)
	}

	if executeErr := rootCommand.Execute(); executeErr != nil {
		os.Exit(1)
	}
}
