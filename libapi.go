package gearman

import (
	"github.com/Workana/li3-gearman/adapter"
	_ "github.com/Workana/li3-gearman/adapter/adapters"
	"github.com/Workana/li3-gearman/adapter/job"
	"github.com/Workana/li3-gearman/chain"
	runtimepkg "github.com/Workana/li3-gearman/internal/runtime"
	configpkg "github.com/Workana/li3-gearman/internal/runtime/config"
	errspkg "github.com/Workana/li3-gearman/internal/runtime/errors"
	idspkg "github.com/Workana/li3-gearman/internal/runtime/ids"
	jsoncodec "github.com/Workana/li3-gearman/internal/runtime/jsoncodec"
	loggingpkg "github.com/Workana/li3-gearman/internal/runtime/logging"
	metadatapkg "github.com/Workana/li3-gearman/internal/runtime/metadata"
	"github.com/Workana/li3-gearman/transport"
)

type (
	Registry               = runtimepkg.Registry
	Dispatcher             = runtimepkg.Dispatcher
	DispatcherDependencies = runtimepkg.DispatcherDependencies
	ConfigNameInjection    = runtimepkg.ConfigNameInjection
	ConfigurationStatus    = runtimepkg.ConfigurationStatus

	Settings      = configpkg.Settings
	Configuration = configpkg.Configuration

	Operation          = runtimepkg.Operation
	Params             = runtimepkg.Params
	Handler            = runtimepkg.Handler
	Filter             = runtimepkg.Filter
	FilterFunc         = runtimepkg.FilterFunc
	FilterBuilder      = runtimepkg.FilterBuilder
	FilterRegistration = runtimepkg.FilterRegistration
	RetryConfig        = runtimepkg.RetryConfig

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	Adapter             = adapter.Adapter
	AdapterBuilder      = adapter.Builder
	AdapterSettings     = adapter.Settings
	AdapterCapabilities = adapter.Capabilities
	AdapterRegistry     = adapter.Registry
	AdapterFuncs        = adapter.Funcs
	Consumer            = adapter.Consumer
	ExecuteFunc         = adapter.ExecuteFunc

	// Job adapter
	JobHandlerFunc     = job.HandlerFunc
	JobRequest         = job.Request
	JobReceipt         = job.Receipt
	JobScheduledReport = job.ScheduledReport

	TransportBuilder      = transport.Builder
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	Endpoint              = transport.Endpoint

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigurationError    = errspkg.ConfigurationError
	ConfigValidationError = errspkg.ConfigValidationError
)

var (
	NewRegistry   = runtimepkg.NewRegistry
	NewDispatcher = runtimepkg.NewDispatcher
	LoadFile      = configpkg.LoadFile
	Ping          = runtimepkg.Ping

	DefaultConfigNameInjection = runtimepkg.DefaultConfigNameInjection

	DefaultFilters      = runtimepkg.DefaultFilters
	CorrelationIDFilter = runtimepkg.CorrelationIDFilter
	LoggingFilter       = runtimepkg.LoggingFilter
	RecoverFilter       = runtimepkg.RecoverFilter
	TracingFilter       = runtimepkg.TracingFilter
	MetricsFilter       = runtimepkg.MetricsFilter
	RetryFilter         = runtimepkg.RetryFilter
	TimeoutFilter       = runtimepkg.TimeoutFilter

	// Job lifecycle hooks
	HooksFilter   = runtimepkg.HooksFilter
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	DefaultErrorClassifier = runtimepkg.DefaultErrorClassifier

	DefaultAdapterRegistry = adapter.DefaultRegistry
	NewAdapterRegistry     = adapter.NewRegistry
	RegisterAdapter        = adapter.Register

	// Job adapter
	HandleJob      = job.Handle
	NewJobHandlers = job.NewHandlers

	// Transports register themselves on import:
	//   _ "github.com/Workana/li3-gearman/transport/kafka"
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	ParseEndpoint            = transport.ParseEndpoint

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode

	ErrConfigurationMissing = errspkg.ErrConfigurationMissing
	ErrConfigurationInvalid = errspkg.ErrConfigurationInvalid
	ErrNoServersDefined     = errspkg.ErrNoServersDefined
	ErrUnknownAdapter       = errspkg.ErrUnknownAdapter
	ErrInvalidFilter        = errspkg.ErrInvalidFilter
	ErrRegistryRequired     = errspkg.ErrRegistryRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrActionRequired       = errspkg.ErrActionRequired
	ErrConsumeUnsupported   = errspkg.ErrConsumeUnsupported
	ErrPanic                = errspkg.ErrPanic
	ErrUnknownAction        = job.ErrUnknownAction

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewJSONServiceLogger = loggingpkg.NewJSONServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	WithCorrelationID        = metadatapkg.WithCorrelationID
	CorrelationIDFromContext = metadatapkg.CorrelationIDFromContext

	NewID = idspkg.New
)

// Operations.
const (
	OperationRun       = runtimepkg.OperationRun
	OperationExecute   = runtimepkg.OperationExecute
	OperationScheduled = runtimepkg.OperationScheduled
)

// Built-in filter names.
const (
	FilterCorrelationID = runtimepkg.FilterCorrelationID
	FilterLogging       = runtimepkg.FilterLogging
	FilterRecover       = runtimepkg.FilterRecover
	FilterTracing       = runtimepkg.FilterTracing
	FilterMetrics       = runtimepkg.FilterMetrics
	FilterRetry         = runtimepkg.FilterRetry
	FilterTimeout       = runtimepkg.FilterTimeout
	FilterHooks         = runtimepkg.FilterHooks
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone          = runtimepkg.ErrorCategoryNone
	ErrorCategoryConfiguration = runtimepkg.ErrorCategoryConfiguration
	ErrorCategoryValidation    = runtimepkg.ErrorCategoryValidation
	ErrorCategoryCanceled      = runtimepkg.ErrorCategoryCanceled
	ErrorCategoryOther         = runtimepkg.ErrorCategoryOther
)

// Job adapter options.
const (
	ConfigNameOption  = adapter.ConfigNameOption
	OptionSchedule    = job.OptionSchedule
	OptionDelay       = job.OptionDelay
	OptionHoldDelayed = job.OptionHoldDelayed
	OptionTransport   = job.OptionTransport
	OptionTopicPrefix = job.OptionTopicPrefix
	OptionCodec       = job.OptionCodec
)

// PingMessage is what a scheduled Ping writes.
const PingMessage = runtimepkg.PingMessage

// Chain composes filters around base; the first filter is the outermost.
func Chain(base Handler, filters ...Filter) Handler {
	return chain.Chain(base, filters...)
}

// Compose folds filters into one Filter.
func Compose(filters ...Filter) Filter {
	return chain.Compose(filters...)
}

// New returns a Dispatcher over an empty registry backed by the default
// adapter table, with the given configurations registered.
func New(logger ServiceLogger, configs map[string]Settings, deps DispatcherDependencies) (*Dispatcher, error) {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	registry := runtimepkg.NewRegistry(nil, logger)
	for name, settings := range configs {
		registry.Configure(name, settings)
	}
	return runtimepkg.NewDispatcher(registry, logger, deps)
}

// FromFile is New with configurations read by LoadFile.
func FromFile(logger ServiceLogger, path string, deps DispatcherDependencies) (*Dispatcher, error) {
	configs, err := configpkg.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(logger, configs, deps)
}
