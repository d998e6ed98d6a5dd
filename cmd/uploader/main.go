// Package main 是上传客户端 CLI 的入口点。
//
// 子命令:
//
//	login           登录并打印 access token
//	upload          上传一个视频文件 (Ctrl-C 暂停)
//	resume          续传一个 paused/error 状态的会话
//	cancel          取消会话并清理服务端数据
//	list            列出本地注册表中的所有会话
//	clear-completed 清理所有已完成的会话记录
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"vidstream-go/internal/config"
	"vidstream-go/internal/protocol"
	"vidstream-go/internal/uploader"
	"vidstream-go/pkg/log"

	"github.com/go-resty/resty/v2"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "用法: uploader [-config path] <login|upload|resume|cancel|list|clear-completed> [参数]")
		os.Exit(2)
	}

	config.Init(*configPath)
	cfg := config.Conf
	log.Init(cfg.Log.Level, "console", "")
	defer log.Sync()

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "login":
		err = runLogin(cfg, args)
	case "upload":
		err = runUpload(cfg, args)
	case "resume":
		err = runResume(cfg, args)
	case "cancel":
		err = runCancel(cfg, args)
	case "list":
		err = runList(cfg)
	case "clear-completed":
		err = runClearCompleted(cfg)
	default:
		err = fmt.Errorf("未知子命令: %s", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// newManager 组装客户端三件套: 协议驱动、本地注册表、编排器。
func newManager(cfg config.Config, callbacks uploader.Callbacks) (*uploader.Manager, error) {
	client := uploader.NewClient(cfg.Client.ServerURL, cfg.Client.Token, cfg.Client.ChunkSizeBytes)
	store, err := uploader.NewStore(cfg.Client.StateFile)
	if err != nil {
		return nil, err
	}
	return uploader.NewManager(client, store, callbacks), nil
}

func runLogin(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	username := fs.String("username", "", "用户名")
	password := fs.String("password", "", "密码")
	fs.Parse(args)
	if *username == "" || *password == "" {
		return fmt.Errorf("login 需要 -username 和 -password")
	}

	var result struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	resp, err := resty.New().R().
		SetBody(map[string]string{"username": *username, "password": *password}).
		SetResult(&result).
		Post(cfg.Client.ServerURL + "/api/v1/auth/login")
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("登录失败 (HTTP %d): %s", resp.StatusCode(), resp.Body())
	}

	fmt.Println("登录成功，请将 token 写入配置文件的 client.token 字段:")
	fmt.Println(result.Data.Token)
	return nil
}

// progressCallbacks 把会话状态变化渲染到终端。
// OnSuccess 在字节送达时触发; 终端继续等待转码结果 (剧集 ID 或失败)
// 再退出。
func progressCallbacks(done chan<- struct{}) uploader.Callbacks {
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	return uploader.Callbacks{
		OnProgress: func(sess *uploader.Session) {
			if sess.Status == uploader.StatusCompleted {
				if sess.ResultID != 0 {
					fmt.Printf("\n转码完成: %s (剧集 ID %d)\n", sess.File.Name, sess.ResultID)
					finish()
				}
				return
			}
			eta := "未知"
			if sess.ETA > 0 {
				eta = (time.Duration(sess.ETA) * time.Second).String()
			}
			fmt.Printf("\r%-40s %6.2f%%  %8s/s  剩余 %s    ",
				sess.File.Name, sess.ProgressPercent, humanBytes(int64(sess.Speed)), eta)
		},
		OnSuccess: func(sess *uploader.Session) {
			fmt.Printf("\n全部字节已送达: %s, 等待转码结果...\n", sess.File.Name)
		},
		OnError: func(sess *uploader.Session, err error) {
			if uploader.IsRecoverable(err) {
				fmt.Printf("\n传输中断已暂停: %s: %v\n使用 resume 子命令继续\n", sess.File.Name, err)
			} else {
				fmt.Printf("\n上传失败: %s: %v\n", sess.File.Name, err)
			}
			finish()
		},
	}
}

// track 前台跟踪一个会话: 进度刷新、Ctrl-C 暂停、终态退出。
func track(mgr *uploader.Manager, uploadID string, done <-chan struct{}) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		fmt.Println("\n接收到中断信号，暂停上传...")
		// 续传对账可能分叉出新的会话 ID，暂停失败时按当前状态重查
		if err := mgr.Pause(uploadID); err != nil {
			for _, s := range mgr.List() {
				if s.Status == uploader.StatusUploading {
					uploadID = s.UploadID
					if err := mgr.Pause(uploadID); err != nil {
						return err
					}
					break
				}
			}
		}
		if sess, ok := mgr.Get(uploadID); ok {
			fmt.Printf("已暂停于 %s / %s，使用 resume 子命令继续\n",
				humanBytes(sess.BytesSent), humanBytes(sess.File.Size))
		}
		return nil
	case <-done:
		return nil
	}
}

func runUpload(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	file := fs.String("file", "", "要上传的视频文件")
	seriesID := fs.Uint("series", 0, "剧集所属的系列 ID")
	episodeNum := fs.Int("episode", 0, "集数")
	title := fs.String("title", "", "标题")
	desc := fs.String("desc", "", "描述")
	fs.Parse(args)
	if *file == "" || *seriesID == 0 || *episodeNum == 0 || *title == "" {
		return fmt.Errorf("upload 需要 -file、-series、-episode 和 -title")
	}

	done := make(chan struct{})
	mgr, err := newManager(cfg, progressCallbacks(done))
	if err != nil {
		return err
	}

	meta := map[string]string{
		protocol.MetaSeriesID:    strconv.FormatUint(uint64(*seriesID), 10),
		protocol.MetaEpisodeNum:  strconv.Itoa(*episodeNum),
		protocol.MetaTitle:       *title,
		protocol.MetaDescription: *desc,
	}
	sess, err := mgr.Start(context.Background(), *file, meta)
	if err != nil {
		return err
	}

	fmt.Printf("会话 %s 已创建，开始上传 %s (%s)\n", sess.UploadID, sess.File.Name, humanBytes(sess.File.Size))
	return track(mgr, sess.UploadID, done)
}

func runResume(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	id := fs.String("id", "", "会话 ID (见 list 子命令)")
	file := fs.String("file", "", "原始视频文件")
	fs.Parse(args)
	if *id == "" || *file == "" {
		return fmt.Errorf("resume 需要 -id 和 -file")
	}

	done := make(chan struct{})
	mgr, err := newManager(cfg, progressCallbacks(done))
	if err != nil {
		return err
	}

	sess, err := mgr.Resume(context.Background(), *id, *file)
	if err != nil {
		return err
	}

	fmt.Printf("从 %s 处继续上传 %s\n", humanBytes(sess.BytesSent), sess.File.Name)
	return track(mgr, sess.UploadID, done)
}

func runCancel(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.String("id", "", "会话 ID")
	fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("cancel 需要 -id")
	}

	mgr, err := newManager(cfg, uploader.Callbacks{})
	if err != nil {
		return err
	}
	if err := mgr.Cancel(context.Background(), *id); err != nil {
		return err
	}
	fmt.Printf("会话 %s 已取消\n", *id)
	return nil
}

func runList(cfg config.Config) error {
	mgr, err := newManager(cfg, uploader.Callbacks{})
	if err != nil {
		return err
	}

	sessions := mgr.List()
	if len(sessions) == 0 {
		fmt.Println("没有会话记录")
		return nil
	}

	fmt.Printf("%-34s %-30s %-12s %-10s %s\n", "会话 ID", "文件", "状态", "进度", "备注")
	for _, s := range sessions {
		note := s.ErrorMessage
		if s.Status == uploader.StatusCompleted && s.ResultID != 0 {
			note = fmt.Sprintf("剧集 ID %d", s.ResultID)
		}
		fmt.Printf("%-34s %-30s %-12s %9.2f%% %s\n",
			s.UploadID, s.File.Name, s.Status, s.ProgressPercent, note)
	}
	return nil
}

func runClearCompleted(cfg config.Config) error {
	mgr, err := newManager(cfg, uploader.Callbacks{})
	if err != nil {
		return err
	}
	removed, err := mgr.ClearCompleted()
	if err != nil {
		return err
	}
	fmt.Printf("已清理 %d 条完成记录\n", removed)
	return nil
}

// humanBytes 把字节数渲染成人类可读的单位。
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGT"[exp])
}
