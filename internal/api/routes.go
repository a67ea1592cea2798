package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sentence-bias-eval/backend/internal/pipeline"
	"sentence-bias-eval/backend/internal/scoring"
	"sentence-bias-eval/backend/internal/store"
)

// Config defines server dependencies.
type Config struct {
	DBPath         string
	ModelDir       string
	ModelPath      string
	ReferencePath  string
	AllowedOrigins []string
	SilentDB       bool
}

// Server wires HTTP handlers with the loaded pipeline, reference
// distribution, and persistence.
type Server struct {
	db             *store.Database
	artifact       pipeline.Artifact
	pipe           *pipeline.Pipeline
	reference      *scoring.Reference
	referencePath  string
	allowedOrigins []string
	notifier       *PredictionNotifier
}

// NewServer constructs the API server. Model artifact or reference loading
// failures are fatal to the caller: the service cannot serve predictions
// without them.
func NewServer(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path required")
	}
	db, err := store.Open(cfg.DBPath, cfg.SilentDB)
	if err != nil {
		return nil, err
	}

	var artifact pipeline.Artifact
	if strings.TrimSpace(cfg.ModelPath) != "" {
		artifact, err = pipeline.ParseArtifactName(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("model artifact: %w", err)
		}
	} else {
		artifact, err = pipeline.DiscoverArtifact(cfg.ModelDir)
		if err != nil {
			return nil, fmt.Errorf("model artifact: %w", err)
		}
	}

	pipe, err := artifact.Load()
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}

	reference, err := scoring.LoadReference(cfg.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("reference discrepancies: %w", err)
	}

	numeric, categorical := pipe.FeatureCounts()
	logrus.WithFields(logrus.Fields{
		"model":                artifact.Name,
		"mae":                  artifact.MAE,
		"trained_at":           artifact.TrainedAt,
		"numeric_features":     numeric,
		"categorical_features": categorical,
		"reference_samples":    reference.Size(),
	}).Info("prediction pipeline loaded")

	return &Server{
		db:             db,
		artifact:       artifact,
		pipe:           pipe,
		reference:      reference,
		referencePath:  cfg.ReferencePath,
		allowedOrigins: cfg.AllowedOrigins,
		notifier:       NewPredictionNotifier(),
	}, nil
}

// Router configures gin routes.
func (s *Server) Router() (*gin.Engine, error) {
	r := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowCredentials = true
	if len(s.allowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.allowedOrigins
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	// Contract routes, paths preserved verbatim.
	r.GET("/health", s.handleHealth)
	r.POST("/predict", s.handlePredict)

	api := r.Group("/api")
	{
		api.GET("/healthz", s.handleHealth)
		api.GET("/model", s.handleModelInfo)
		api.GET("/config", s.handleConfig)
		api.GET("/predictions", s.handleListPredictions)
		api.DELETE("/predictions", s.handleClearPredictions)
		api.GET("/export.csv", s.handleExportCSV)
		api.GET("/export.json", s.handleExportJSON)
		api.GET("/predict/status", s.handlePredictStatus)
		api.GET("/predict/stream", s.handlePredictStream)
	}

	return r, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (s *Server) handlePredict(c *gin.Context) {
	start := time.Now()

	body, err := c.GetRawData()
	if err != nil {
		s.renderInvalid(c, fmt.Errorf("read request body: %v", err))
		return
	}

	record, err := ParsePredictRequest(body)
	if err != nil {
		s.renderInvalid(c, err)
		return
	}

	cleaned, err := scoring.Clean(record)
	if err != nil {
		s.renderInvalid(c, fmt.Errorf("DATA ERROR: %s", scoring.InvalidReason(err)))
		return
	}

	estimate := scoring.EstimateDiscrepancy(s.pipe, cleaned)
	severity := s.reference.Severity(estimate)

	requestID := uuid.NewString()
	row := &store.Prediction{
		RequestID:          requestID,
		ModelName:          s.artifact.Name,
		Race:               cleaned.Race,
		CounterfactualRace: scoring.CounterfactualRace(cleaned.Race),
		Gender:             cleaned.Input.Categorical[scoring.FeatureGender],
		PredictedYears:     estimate.PredictedYears,
		Discrepancy:        estimate.Discrepancy,
		Severity:           severity,
		ProcessingTimeMs:   time.Since(start).Milliseconds(),
	}
	row.SetPayload(body)
	if err := s.db.SavePrediction(row); err != nil {
		logrus.WithError(err).WithField("request_id", requestID).Warn("persist prediction")
	}

	response := PredictResponse{
		ModelName:             s.artifact.Name,
		SentencingDiscrepancy: scoring.Round3(estimate.Discrepancy),
		Severity:              scoring.Round3(severity),
	}

	s.notifier.Broadcast(PredictionEvent{
		Type:                  "prediction",
		RequestID:             requestID,
		ModelName:             response.ModelName,
		Race:                  cleaned.Race,
		SentencingDiscrepancy: response.SentencingDiscrepancy,
		Severity:              response.Severity,
	})

	c.Header("X-Request-ID", requestID)
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleModelInfo(c *gin.Context) {
	numeric, categorical := s.pipe.FeatureCounts()
	c.JSON(http.StatusOK, ModelInfoResponse{
		ModelName:           s.artifact.Name,
		MAE:                 s.artifact.MAE,
		TrainedAt:           s.artifact.TrainedAt,
		NumericFeatures:     numeric,
		CategoricalFeatures: categorical,
		ReferenceSamples:    s.reference.Size(),
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	count, err := s.db.CountPredictions()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model_path":         s.artifact.Path,
		"reference_path":     s.referencePath,
		"allowed_origins":    s.allowedOrigins,
		"stored_predictions": count,
	})
}

func (s *Server) handleListPredictions(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 0 {
		page = 0
	}
	pageSize, _ := strconv.Atoi(c.Query("pageSize"))
	if pageSize <= 0 {
		pageSize = 100
	}
	offset := page * pageSize

	minSeverity, _ := strconv.ParseFloat(c.Query("minSeverity"), 64)

	rows, total, err := s.db.ListPredictions(store.PredictionQuery{
		Race:        strings.TrimSpace(c.Query("race")),
		ModelName:   strings.TrimSpace(c.Query("model")),
		MinSeverity: minSeverity,
		Sort:        strings.TrimSpace(c.Query("sort")),
		Offset:      offset,
		Limit:       pageSize,
	})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	dtos := make([]PredictionDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, FromModel(row))
	}
	c.JSON(http.StatusOK, PredictionsResponse{Items: dtos, Total: total})
}

func (s *Server) handleClearPredictions(c *gin.Context) {
	if err := s.db.ClearPredictions(); err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	logrus.Info("prediction history cleared")
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleExportCSV(c *gin.Context) {
	rows, _, err := s.db.ListPredictions(store.PredictionQuery{Limit: -1})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename=sentence-bias-export.csv")
	c.Header("Content-Type", "text/csv")

	writer := csv.NewWriter(c.Writer)
	headers := []string{"request_id", "model_name", "race", "counterfactual_race", "gender", "predicted_years", "sentencing_discrepancy", "severity", "processing_time_ms", "created_at"}
	if err := writer.Write(headers); err != nil {
		return
	}
	for _, row := range rows {
		dto := FromModel(row)
		line := []string{
			dto.RequestID,
			dto.ModelName,
			dto.Race,
			dto.CounterfactualRace,
			dto.Gender,
			fmt.Sprintf("%.3f", dto.PredictedYears),
			fmt.Sprintf("%.3f", dto.SentencingDiscrepancy),
			fmt.Sprintf("%.3f", dto.Severity),
			strconv.FormatInt(dto.ProcessingTimeMs, 10),
			dto.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(line); err != nil {
			return
		}
	}
	writer.Flush()
}

func (s *Server) handleExportJSON(c *gin.Context) {
	rows, _, err := s.db.ListPredictions(store.PredictionQuery{Limit: -1})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	dtos := make([]ExportPredictionDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, ExportPredictionDTO{
			PredictionDTO: FromModel(row),
			Payload:       row.Payload(),
		})
	}
	c.Header("Content-Disposition", "attachment; filename=sentence-bias-export.json")
	c.JSON(http.StatusOK, dtos)
}

func (s *Server) handlePredictStatus(c *gin.Context) {
	count, err := s.db.CountPredictions()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, PredictStatusResponse{
		StoredPredictions: count,
		LastPrediction:    s.notifier.LastEvent(),
	})
}

func (s *Server) handlePredictStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		HandshakeTimeout:  5 * time.Second,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("upgrade websocket")
		return
	}

	client := s.notifier.Register(conn)
	logrus.WithField("remote", conn.RemoteAddr().String()).Info("prediction websocket connected")
	defer s.notifier.Unregister(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithField("remote", conn.RemoteAddr().String()).Info("prediction websocket closed")
			} else {
				logrus.WithError(err).Warn("prediction websocket unexpected close")
			}
			break
		}
	}
}

// renderInvalid reports contract violations on /predict. The upstream
// contract mandates 404 with a message field for invalid payloads.
func (s *Server) renderInvalid(c *gin.Context, err error) {
	c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
}

func (s *Server) renderError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// Close releases server resources.
func (s *Server) Close() error {
	return s.db.Close()
}
