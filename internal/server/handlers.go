package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"takanome/internal/config"
	"takanome/internal/detect"
	"takanome/internal/stream"
	"takanome/internal/video"
)

// Handler はAPIエンドポイントの実装を束ねる
// プロセス全体の依存はここで1度だけ注入され、グローバル変数は持たない
type Handler struct {
	config   *config.Config
	capture  *video.CaptureService
	encoder  *stream.Encoder
	detector detect.Detector // nilの場合は検出なし
	upgrader websocket.Upgrader
}

// NewHandler は新しいHandlerを作成する
func NewHandler(cfg *config.Config, capture *video.CaptureService, detector detect.Detector) *Handler {
	return &Handler{
		config:   cfg,
		capture:  capture,
		detector: detector,
		encoder:  stream.NewEncoder(cfg.Streaming.Quality),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// errorResponse はAPIのエラーレスポンス
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// messageResponse はライフサイクル操作の結果レスポンス
type messageResponse struct {
	Message string `json:"message"`
}

// statusResponse はキャプチャ状態のレスポンス
type statusResponse struct {
	Active     bool   `json:"active"`
	FrameShape [3]int `json:"frame_shape"` // (高さ, 幅, チャンネル数)
	Source     string `json:"source"`
}

// RegisterRoutes はエンドポイントをルーターに登録する
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)
	router.GET("/info", h.GetInfo)
	router.GET("/", h.Root)

	api := router.Group("/api/video")
	{
		api.GET("/stream", h.StreamVideo)
		api.GET("/status", h.GetVideoStatus)
		api.POST("/start", h.StartVideo)
		api.POST("/stop", h.StopVideo)
		api.GET("/ws", h.StreamWebSocket)
	}
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": h.config.App.Title + " は稼働中です",
	})
}

// Root はルートパスをストリームへリダイレクトする
func (h *Handler) Root(c *gin.Context) {
	c.Redirect(http.StatusFound, "/api/video/stream")
}

// GetInfo はアプリケーション情報エンドポイントの実装
func (h *Handler) GetInfo(c *gin.Context) {
	modelInfo := detect.ModelInfo{Loaded: false}
	if h.detector != nil {
		modelInfo = h.detector.Info()
	}

	info := h.capture.SourceInfo()
	c.JSON(http.StatusOK, gin.H{
		"app": gin.H{
			"title":       h.config.App.Title,
			"version":     h.config.App.Version,
			"description": h.config.App.Description,
		},
		"model": modelInfo,
		"video": gin.H{
			"source":     info.Identifier,
			"resolution": gin.H{"width": info.Width, "height": info.Height},
			"fps":        info.FPS,
		},
	})
}

// GetVideoStatus はキャプチャ状態取得エンドポイントの実装
// 致命的エラーで停止した場合もactive=falseとして反映される
func (h *Handler) GetVideoStatus(c *gin.Context) {
	height, width, channels := h.capture.Cache().Shape()
	if height == 0 {
		// フレーム未取得時は設定値から形状を報告する
		height, width, channels = h.config.Video.Height, h.config.Video.Width, 3
	}

	c.JSON(http.StatusOK, statusResponse{
		Active:     h.capture.IsActive(),
		FrameShape: [3]int{height, width, channels},
		Source:     h.capture.SourceInfo().Identifier,
	})
}

// StartVideo はキャプチャ開始エンドポイントの実装
func (h *Handler) StartVideo(c *gin.Context) {
	if h.capture.IsActive() {
		c.JSON(http.StatusOK, messageResponse{Message: "キャプチャは既に動作中です"})
		return
	}

	if err := h.capture.Start(c.Request.Context()); err != nil {
		log.Printf("キャプチャの開始に失敗: %v", err)
		c.JSON(http.StatusInternalServerError, errorResponse{
			Error:     "capture_start_failed",
			Message:   "キャプチャの開始に失敗しました",
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, messageResponse{Message: "キャプチャを開始しました"})
}

// StopVideo はキャプチャ停止エンドポイントの実装
func (h *Handler) StopVideo(c *gin.Context) {
	if !h.capture.IsActive() {
		c.JSON(http.StatusOK, messageResponse{Message: "キャプチャは動作していません"})
		return
	}

	if err := h.capture.Stop(c.Request.Context()); err != nil {
		log.Printf("キャプチャの停止に失敗: %v", err)
		c.JSON(http.StatusInternalServerError, errorResponse{
			Error:     "capture_stop_failed",
			Message:   "キャプチャの停止に失敗しました",
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, messageResponse{Message: "キャプチャを停止しました"})
}

// StreamVideo はMJPEGストリーミングエンドポイントの実装
// ストリーム開始後はフレーム取得やエンコードの失敗でHTTPエラーを返さず、
// 代替画像によってマルチパートのフレーミングを維持する
func (h *Handler) StreamVideo(c *gin.Context) {
	session, err := stream.NewSession(
		h.capture.Cache(), h.encoder,
		h.config.Streaming.FPS, h.config.Video.Width, h.config.Video.Height)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{
			Error:     "session_init_failed",
			Message:   "ストリーミングセッションの作成に失敗しました",
			Timestamp: time.Now(),
		})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+stream.Boundary)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	ctx := c.Request.Context()
	log.Printf("ストリーミングを開始します: session=%s", session.ID())

	for {
		chunk := session.NextChunk(ctx)
		if chunk == nil {
			// クライアントが切断された
			log.Printf("ストリーミングを終了します: session=%s", session.ID())
			return
		}

		if _, err := writer.Write(chunk); err != nil {
			log.Printf("ストリーミングを終了します: session=%s: %v", session.ID(), err)
			return
		}
		flusher.Flush()
	}
}

// StreamWebSocket はWebSocketフレーム配信エンドポイントの実装
// JPEGペイロードをバイナリメッセージとして配信レートで送出する
func (h *Handler) StreamWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocketへのアップグレードに失敗: %v", err)
		return
	}
	defer conn.Close()

	session, err := stream.NewSession(
		h.capture.Cache(), h.encoder,
		h.config.Streaming.FPS, h.config.Video.Width, h.config.Video.Height)
	if err != nil {
		log.Printf("WebSocketセッションの作成に失敗: %v", err)
		return
	}

	ctx := c.Request.Context()
	log.Printf("WebSocket配信を開始します: session=%s", session.ID())

	for {
		payload := session.NextPayload(ctx)
		if payload == nil {
			return
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			log.Printf("WebSocket配信を終了します: session=%s: %v", session.ID(), err)
			return
		}
	}
}
