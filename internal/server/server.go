package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"takanome/internal/config"
	"takanome/internal/detect"
	"takanome/internal/video"
)

// Server はHTTPサーバーとキャプチャサービスのライフサイクルを管理する構造体
type Server struct {
	config     *config.Config
	capture    *video.CaptureService
	httpServer *http.Server
	router     *gin.Engine
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, capture *video.CaptureService, detector detect.Detector) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	handler := NewHandler(cfg, capture, detector)
	handler.RegisterRoutes(router)

	return &Server{
		config:  cfg,
		capture: capture,
		router:  router,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      router,
			ReadTimeout:  cfg.App.ReadTimeout.Std(),
			WriteTimeout: cfg.App.WriteTimeout.Std(),
		},
	}
}

// Router はテスト用にginルーターを返す
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start はキャプチャとHTTPサーバーを起動し、停止シグナルまでブロックする
func (s *Server) Start(ctx context.Context) error {
	// キャプチャを起動する。ソースのオープン失敗は起動エラー
	if err := s.capture.Start(ctx); err != nil {
		return fmt.Errorf("キャプチャサービスの起動に失敗: %w", err)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Printf("HTTPサーバーを起動しています: %s", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		_ = s.capture.Stop(context.Background())
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はキャプチャとサーバーをグレースフルに停止する
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	// 先にキャプチャを止め、接続中のセッションは代替画像で継続させる
	if err := s.capture.Stop(context.Background()); err != nil {
		log.Printf("キャプチャの停止に失敗: %v", err)
	}

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}
