package main

import (
	"context"
	"log"

	"takanome/internal/config"
	"takanome/internal/detect"
	"takanome/internal/server"
	"takanome/internal/video"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// 検出器を作成する（モデル未設定の場合は検出なしで配信する）
	var detector detect.Detector
	if cfg.Model.Path != "" {
		yolo, err := detect.NewYOLODetector(detect.Options{
			ModelPath:           cfg.Model.Path,
			ConfidenceThreshold: cfg.Model.ConfidenceThreshold,
			IoUThreshold:        cfg.Model.IoUThreshold,
			InputSize:           cfg.Model.InputSize,
		})
		if err != nil {
			log.Fatalf("検出モデルの読み込みに失敗しました: %v", err)
		}
		defer yolo.Close()
		detector = yolo
	}

	// キャプチャサービスを作成
	capture := video.NewCaptureService(video.SourceConfig{
		Identifier: cfg.Video.Source,
		Width:      cfg.Video.Width,
		Height:     cfg.Video.Height,
		FPS:        cfg.Video.FPS,
	}, nil, detector, video.NewCache())

	// サーバーを作成して起動
	srv := server.New(cfg, capture, detector)
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
