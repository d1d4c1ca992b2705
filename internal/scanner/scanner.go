// Package scanner 提供上传文件的病毒扫描。
package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dutchcoders/go-clamd"

	"aicareer/internal/storage"
)

// 威胁类型。
const (
	ThreatVirus      = "virus"
	ThreatSuspicious = "suspicious"
)

// Target 描述待扫描的对象。
type Target struct {
	StorageKey string
	Filename   string
}

// Verdict 会原样写入 Document.scanResult。
type Verdict struct {
	Clean      bool      `json:"clean"`
	ThreatType string    `json:"threatType,omitempty"`
	Details    string    `json:"details"`
	Engine     string    `json:"scanEngine"`
	ScannedAt  time.Time `json:"scanTime"`
}

// Scanner 返回扫描结论；error 仅表示扫描本身失败。
type Scanner interface {
	Scan(ctx context.Context, target Target) (Verdict, error)
}

// StubScanner 根据文件名关键字模拟扫描结果，仅用于开发与测试。
type StubScanner struct {
	now func() time.Time
}

func NewStubScanner() *StubScanner { return &StubScanner{now: time.Now} }

const stubEngine = "StubAV v1.0"

func (s *StubScanner) Scan(_ context.Context, target Target) (Verdict, error) {
	name := target.Filename
	if name == "" {
		name = target.StorageKey
	}
	lower := strings.ToLower(name)
	v := Verdict{Engine: stubEngine, ScannedAt: s.now().UTC()}

	switch {
	case strings.Contains(lower, "virus") || strings.Contains(lower, "malware"):
		v.ThreatType = ThreatVirus
		v.Details = fmt.Sprintf("Threat detected in %s: Test.Virus.EICAR", name)
	case strings.Contains(lower, "suspicious") || strings.Contains(lower, "phishing"):
		v.ThreatType = ThreatSuspicious
		v.Details = fmt.Sprintf("Suspicious content detected in %s", name)
	default:
		v.Clean = true
		v.Details = "No threats detected"
	}
	return v, nil
}

// ClamdScanner 从对象存储读取文件并交给 clamd INSTREAM 扫描。
type ClamdScanner struct {
	addr    string
	storage storage.Provider
	now     func() time.Time
}

func NewClamdScanner(addr string, store storage.Provider) *ClamdScanner {
	return &ClamdScanner{addr: addr, storage: store, now: time.Now}
}

// Ping 用于启动时探活。
func (s *ClamdScanner) Ping() error {
	return clamd.NewClamd(s.addr).Ping()
}

func (s *ClamdScanner) Scan(ctx context.Context, target Target) (Verdict, error) {
	reader, err := s.storage.GetObject(ctx, target.StorageKey)
	if err != nil {
		return Verdict{}, fmt.Errorf("open object for scan: %w", err)
	}
	defer reader.Close()

	abort := make(chan bool)
	defer close(abort)

	results, err := clamd.NewClamd(s.addr).ScanStream(reader, abort)
	if err != nil {
		return Verdict{}, fmt.Errorf("clamd scan stream: %w", err)
	}

	v := Verdict{Clean: true, Details: "No threats detected", Engine: "ClamAV", ScannedAt: s.now().UTC()}
	var scanErr error
	// 读完全部结果，让 go-clamd 的读协程正常退出。
	for result := range results {
		switch result.Status {
		case clamd.RES_OK:
		case clamd.RES_FOUND:
			v.Clean = false
			v.ThreatType = ThreatVirus
			v.Details = fmt.Sprintf("Threat detected in %s: %s", target.Filename, result.Description)
		default:
			if scanErr == nil {
				scanErr = fmt.Errorf("clamd returned %s: %s", result.Status, result.Description)
			}
		}
	}
	if scanErr != nil {
		return Verdict{}, scanErr
	}
	return v, nil
}
