package clusterd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

const exporterTimeout = 10 * time.Second

// telemetry owns the trace provider, meter provider and debug listeners of
// one process.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	servers []*http.Server
	addrs   map[string]net.Addr
	logger  pslog.Logger
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var runtimeMetrics struct {
	once sync.Once
	err  error
}

// startTelemetry enables tracing, the Prometheus scrape endpoint and pprof as
// configured. It returns nil when nothing is enabled.
func startTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" {
		if cfg.EnableRuntimeMetrics {
			return nil, errors.New("telemetry: runtime metrics require a metrics listen address")
		}
		return nil, nil
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("clusterd"),
			semconv.ServiceInstanceID(cfg.Instance),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	t := &telemetry{logger: logger, addrs: make(map[string]net.Addr)}

	if endpoint != "" {
		target, err := parseCollector(endpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := target.exporter(ctx)
		if err != nil {
			return nil, err
		}
		t.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(t.tracer)
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "insecure", target.insecure)
	}

	if metricsListen != "" {
		// Controller and participant collectors live on the default registry;
		// the otel bridge gets its own so both end up on one scrape.
		bridge := prometheus.NewRegistry()
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(bridge)}
		if cfg.EnableRuntimeMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(opts...)
		if err != nil {
			_ = t.shutdown(ctx)
			return nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
		}
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(t.meter)
		if cfg.EnableRuntimeMetrics {
			runtimeMetrics.once.Do(func() {
				runtimeMetrics.err = otelruntime.Start(otelruntime.WithMeterProvider(t.meter))
			})
			if runtimeMetrics.err != nil {
				_ = t.shutdown(ctx)
				return nil, fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetrics.err)
			}
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, bridge}, promhttp.HandlerOpts{}))
		if err := t.serve(ctx, "metrics", metricsListen, mux); err != nil {
			_ = t.shutdown(ctx)
			return nil, err
		}
	} else if cfg.EnableRuntimeMetrics {
		return nil, errors.New("telemetry: runtime metrics require a metrics listen address")
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		if err := t.serve(ctx, "pprof", pprofListen, mux); err != nil {
			_ = t.shutdown(ctx)
			return nil, err
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func (t *telemetry) serve(ctx context.Context, name, addr string, handler http.Handler) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	if t.tracer != nil {
		handler = otelhttp.NewHandler(handler, "clusterd."+name)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	t.servers = append(t.servers, srv)
	t.addrs[name] = ln.Addr()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry."+name+".serve_error", "error", err)
		}
	}()
	t.logger.Info("telemetry."+name+".enabled", "listen", ln.Addr().String())
	return nil
}

// addr returns the bound address of the named listener.
func (t *telemetry) addr(name string) net.Addr {
	if t == nil {
		return nil
	}
	return t.addrs[name]
}

func (t *telemetry) shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, srv := range t.servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if t.meter != nil {
		if err := t.meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	if t.tracer != nil {
		if err := t.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Warn("telemetry.shutdown.error", "error", err)
		return err
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

// collector is a parsed OTLP endpoint.
type collector struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

var collectorSchemes = map[string]collector{
	"grpc":  {protocol: "grpc", insecure: true},
	"grpcs": {protocol: "grpc"},
	"http":  {protocol: "http", insecure: true},
	"https": {protocol: "http"},
}

var collectorPorts = map[string]string{"grpc": "4317", "http": "4318"}

// parseCollector accepts host[:port] (plaintext gRPC) or a grpc, grpcs, http
// or https URL.
func parseCollector(raw string) (collector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return collector{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return collector{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	c, ok := collectorSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return collector{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return collector{}, errors.New("telemetry: missing endpoint host")
	}
	c.endpoint = u.Host
	if u.Port() == "" {
		c.endpoint = net.JoinHostPort(u.Hostname(), collectorPorts[c.protocol])
	}
	c.path = strings.TrimSuffix(u.Path, "/")
	return c, nil
}

func (c collector) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch c.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		if c.insecure {
			creds = insecure.NewCredentials()
		}
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(c.endpoint),
			otlptracegrpc.WithTimeout(exporterTimeout),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: grpc trace exporter: %w", err)
		}
		return exp, nil
	default:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(c.endpoint),
			otlptracehttp.WithTimeout(exporterTimeout),
		}
		if c.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if c.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(c.path))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: http trace exporter: %w", err)
		}
		return exp, nil
	}
}
