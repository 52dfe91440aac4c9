package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/novadial/voice-bridge/internal/bridge"
	"github.com/novadial/voice-bridge/internal/callcontrol"
	"github.com/novadial/voice-bridge/internal/callstate"
	"github.com/novadial/voice-bridge/internal/config"
	"github.com/novadial/voice-bridge/internal/model"
	"github.com/novadial/voice-bridge/internal/observability"
	"github.com/novadial/voice-bridge/internal/prompt"
	"github.com/novadial/voice-bridge/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger().With().Str("component", "server").Logger()

	prompts, err := prompt.NewBuilder(cfg.SystemPromptPath, cfg.BusinessContextPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("prompt configuration invalid")
	}

	registry := callstate.NewRegistry()

	breaker := resilience.NewCircuitBreaker("twilio",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
	control := callcontrol.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber,
		breaker, retryCfg, logger.With().Str("component", "callcontrol").Logger())

	dial := model.DialWS(cfg.ModelStreamURL, cfg.ModelAPIKey, cfg.ModelID)

	srv := &server{
		cfg:      cfg,
		registry: registry,
		control:  control,
		logger:   logger,
	}

	streamHandler := bridge.NewHandler(cfg, registry, prompts, control, dial,
		observability.GetLogger().With().Str("component", "bridge").Logger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /calls", srv.placeCall)
	mux.HandleFunc("GET /calls", srv.listCalls)
	mux.HandleFunc("GET /calls/{id}", srv.getCall)
	mux.HandleFunc("POST /webhooks/voice/{id}", srv.voiceWebhook)
	mux.HandleFunc("POST /webhooks/status/{id}", srv.statusWebhook)
	mux.Handle("GET /media-stream", streamHandler)
	mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"twilio": control.HealthCheck,
	}))
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("public_host", cfg.PublicHost).Msg("voice bridge listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

type server struct {
	cfg      *config.Config
	registry *callstate.Registry
	control  *callcontrol.Client
	logger   zerolog.Logger
}

type placeCallRequest struct {
	To       string `json:"to"`
	VoiceID  string `json:"voice_id,omitempty"`
	Scenario string `json:"scenario,omitempty"`
}

// placeCall starts an outbound call. Twilio will fetch TwiML from the voice
// webhook once the callee answers, which connects the media stream back here.
func (s *server) placeCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" {
		writeJSONError(w, http.StatusBadRequest, "missing destination number")
		return
	}
	if req.VoiceID == "" {
		req.VoiceID = s.cfg.DefaultVoiceID
	}

	call := s.registry.Create(req.To, req.VoiceID, req.Scenario)

	callSid, err := s.control.PlaceCall(r.Context(), req.To,
		s.webhookURL("/webhooks/voice/"+call.ID),
		s.webhookURL("/webhooks/status/"+call.ID))
	if err != nil {
		s.logger.Error().Err(err).Str("to", req.To).Msg("call placement failed")
		_ = s.registry.Fail(call.ID, err.Error())
		writeJSONError(w, http.StatusBadGateway, "call placement failed")
		return
	}

	_ = s.registry.Update(call.ID, func(c *callstate.Call) { c.CallSid = callSid })

	call, _ = s.registry.Get(call.ID)
	writeJSON(w, http.StatusCreated, call)
}

func (s *server) listCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *server) getCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// TwiML response types for the voice webhook.
type twimlParameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

type twimlStream struct {
	XMLName    xml.Name         `xml:"Stream"`
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter
}

type twimlConnect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  twimlStream
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect twimlConnect
}

// voiceWebhook returns the TwiML connecting the answered call to the media
// stream endpoint, threading call metadata through custom parameters.
func (s *server) voiceWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	call, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	twiml := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{
				URL: s.streamURL("/media-stream"),
				Parameters: []twimlParameter{
					{Name: "call_id", Value: call.ID},
					{Name: "voice_id", Value: call.VoiceID},
					{Name: "scenario", Value: call.Scenario},
				},
			},
		},
	}

	body, err := xml.MarshalIndent(twiml, "", "  ")
	if err != nil {
		http.Error(w, "twiml generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	w.Write(body)
}

// statusWebhook ingests Twilio call lifecycle callbacks.
func (s *server) statusWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	twilioStatus := r.PostFormValue("CallStatus")

	var status callstate.Status
	switch twilioStatus {
	case "ringing":
		status = callstate.StatusRinging
	case "in-progress", "answered":
		status = callstate.StatusConnected
	case "completed":
		status = callstate.StatusCompleted
	case "busy", "failed", "no-answer", "canceled":
		_ = s.registry.Fail(id, "twilio status: "+twilioStatus)
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.registry.SetStatus(id, status); err != nil {
		s.logger.Debug().Err(err).Str("call_id", id).Msg("status callback for unknown call")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) webhookURL(path string) string {
	scheme := "http"
	if s.cfg.UseHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, s.cfg.PublicHost, path)
}

func (s *server) streamURL(path string) string {
	scheme := "ws"
	if s.cfg.UseHTTPS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, s.cfg.PublicHost, path)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
