package biometric

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// MinTagLength 手动输入标签的最小长度
const MinTagLength = 4

// ScanHandler 每次完整刷卡调用一次
type ScanHandler func(tag string)

// RFIDReader 刷卡能力，屏蔽HID键盘、串口和模拟输入的差异
type RFIDReader interface {
	Run(ctx context.Context, onScan ScanHandler) error
}

// WedgeReader 键盘楔形读卡器: 每行一个标签，以回车结束
type WedgeReader struct {
	src io.Reader
}

func NewWedgeReader(src io.Reader) *WedgeReader {
	return &WedgeReader{src: src}
}

// Run 逐行读取直到输入结束或ctx取消，过短的行被忽略
func (w *WedgeReader) Run(ctx context.Context, onScan ScanHandler) error {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(w.src)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if tag, valid := NormalizeTag(line); valid {
				onScan(tag)
			}
		}
	}
}

// NormalizeTag 去除空白并校验长度
func NormalizeTag(raw string) (string, bool) {
	tag := strings.TrimSpace(raw)
	return tag, len(tag) >= MinTagLength
}

// MaskTag 只保留最后四位，用于日志
func MaskTag(tag string) string {
	if len(tag) <= 4 {
		return strings.Repeat("*", len(tag))
	}
	return strings.Repeat("*", len(tag)-4) + tag[len(tag)-4:]
}
