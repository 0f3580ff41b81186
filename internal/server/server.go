package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/config"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/router"
)

const (
	maxBodyBytes        = 8 << 20 // 8 MiB, room for inline images
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 45 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	app     *echo.Echo
	logger  zerolog.Logger
	address string
}

// New constructs an HTTP server wired with routing and middleware. m may be
// nil, in which case /metrics is not served.
func New(cfg config.Config, rt *router.Router, m *metrics.Metrics, logger zerolog.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := logger.Info()
			if v.Error != nil {
				ev = logger.Warn().Err(v.Error)
			}
			ev.Str("request_id", v.RequestID).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		app:     e,
		logger:  logger,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes(m)

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info().Str("addr", s.address).Msg("starting server")

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info().Msg("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(m *metrics.Metrics) {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/images/generations", s.handleImageGenerations)
	if m != nil {
		s.app.GET("/metrics", echo.WrapHandler(m.Handler()))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var params models.ChatCompletionCreateParams
	if err := decodeRequestBody(c, &params); err != nil {
		return err
	}

	res, err := s.router.Chat(c.Request().Context(), params)
	if err != nil {
		return toHTTPError(err)
	}
	if res.IsStream() {
		return s.writeChunkStream(c, res.Stream)
	}
	if res.Completion == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}
	return c.JSON(http.StatusOK, res.Completion)
}

func (s *Server) handleImageGenerations(c echo.Context) error {
	var params models.ImageGenerateParams
	if err := decodeRequestBody(c, &params); err != nil {
		return err
	}

	out, err := s.router.GenerateImage(c.Request().Context(), params)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// writeChunkStream relays chunks as server-sent events terminated by
// "data: [DONE]". Errors after the headers are sent become an error event.
func (s *Server) writeChunkStream(c echo.Context, st *provider.ChunkStream) error {
	defer st.Close()

	w := c.Response()
	rc := http.NewResponseController(w)

	header := w.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set(echo.HeaderCacheControl, "no-cache")
	header.Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk, err := range st.All() {
		_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err != nil {
			s.logger.Warn().Err(err).Msg("stream aborted")
			_, body := errorPayload(toHTTPError(err))
			return writeSSEData(w, rc, body)
		}
		if err := writeSSEData(w, rc, chunk); err != nil {
			s.logger.Debug().Err(err).Msg("client went away")
			return nil
		}
	}
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		return nil
	}
	return rc.Flush()
}

func writeSSEData(w io.Writer, rc *http.ResponseController, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return rc.Flush()
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func errorPayload(reqErr requestError) (int, errorBody) {
	var payload errorBody
	payload.Error.Message = reqErr.Message
	payload.Error.Type = reqErr.Type
	payload.Error.Code = reqErr.Code
	return reqErr.Status, payload
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		status, payload := errorPayload(reqErr)
		_ = c.JSON(status, payload)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status, payload := errorPayload(requestError{Status: he.Code, Message: fmt.Sprint(he.Message), Type: "invalid_request_error"})
		_ = c.JSON(status, payload)
		return
	}

	status, payload := errorPayload(requestError{Status: http.StatusInternalServerError, Message: "internal server error", Type: "server_error"})
	_ = c.JSON(status, payload)
}

// toHTTPError renders any routing or provider failure as an OpenAI error.
func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, provider.ErrUnknownModel) {
		return requestError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "model_not_found",
		}
	}
	if errors.Is(err, provider.ErrUnsupportedOperation) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return requestError{
			Status:  apiErr.Kind.HTTPStatus(),
			Message: apiErr.Error(),
			Type:    apiErr.Kind.String(),
			Code:    apiErr.Code,
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("llm-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/images/generations")
	fmt.Println("Address models as provider/model (for example qwen/qwen-max) or by a configured alias.")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"openai/gpt-4o-mini\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
