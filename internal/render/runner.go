package render

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	maxLineBytes = 1024 * 1024
	waitDelay    = 5 * time.Second
)

// Command は起動する子プロセスの定義です。
type Command struct {
	Binary string
	Args   []string
	Dir    string
}

// Runner は子プロセスを実行し、標準出力と標準エラーをまとめて1行ずつ onLine に渡します。
type Runner interface {
	Run(ctx context.Context, cmd Command, onLine func(string)) error
}

// ExecRunner は os/exec による Runner 実装です。
type ExecRunner struct{}

// Run はプロセスの終了まで出力を読み続けます。
func (ExecRunner) Run(ctx context.Context, c Command, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...) //nolint:gosec
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay

	pr, pw := io.Pipe()
	// 同じ Writer を渡すと exec が書き込みを直列化する
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("start command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	scanner.Split(scanLinesOrReturns)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || onLine == nil {
			continue
		}
		onLine(line)
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// 読み手が止まるとプロセスが書き込みでブロックするため、残りは捨てる
		_, _ = io.Copy(io.Discard, pr)
	}

	if err := <-waitErr; err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("scan output: %w", scanErr)
	}
	return nil
}

// scanLinesOrReturns は '\n' に加えて '\r' も行区切りとして扱います。
// melt は進捗行を '\r' で上書き表示する。
func scanLinesOrReturns(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
