package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"aicareer/internal/storage"
)

func TestStubScanner(t *testing.T) {
	s := NewStubScanner()
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	cases := []struct {
		filename string
		clean    bool
		threat   string
	}{
		{"resume.pdf", true, ""},
		{"VIRUS-sample.pdf", false, ThreatVirus},
		{"my-malware.doc", false, ThreatVirus},
		{"suspicious.txt", false, ThreatSuspicious},
		{"phishing-link.docx", false, ThreatSuspicious},
	}
	for _, tc := range cases {
		v, err := s.Scan(context.Background(), Target{StorageKey: "documents/u/d", Filename: tc.filename})
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.filename, err)
		}
		if v.Clean != tc.clean || v.ThreatType != tc.threat {
			t.Fatalf("%s: got clean=%v threat=%q", tc.filename, v.Clean, v.ThreatType)
		}
		if v.Engine != "StubAV v1.0" || !v.ScannedAt.Equal(fixed) {
			t.Fatalf("%s: unexpected engine/time %+v", tc.filename, v)
		}
	}
}

func TestStubScanner_FallsBackToStorageKey(t *testing.T) {
	v, err := NewStubScanner().Scan(context.Background(), Target{StorageKey: "documents/u/malware"})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if v.Clean {
		t.Fatalf("expected storage key heuristic to flag threat")
	}
}

// fakeClamd 实现 INSTREAM 协议的最小子集，对每个连接回复 reply。
func fakeClamd(t *testing.T, reply string) (addr string, received <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		if cmd, err := r.ReadString('\n'); err != nil || cmd != "nINSTREAM\n" {
			return
		}
		var body []byte
		for {
			var size uint32
			if err := binary.Read(r, binary.BigEndian, &size); err != nil {
				return
			}
			if size == 0 {
				break
			}
			chunk := make([]byte, size)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return
			}
			body = append(body, chunk...)
		}
		got <- body
		conn.Write([]byte(reply + "\n"))
	}()
	return "tcp://" + ln.Addr().String(), got
}

func TestClamdScanner(t *testing.T) {
	cases := []struct {
		name    string
		reply   string
		clean   bool
		wantErr bool
		details string
	}{
		{"clean", "stream: OK", true, false, "No threats detected"},
		{"infected", "stream: Eicar-Test-Signature FOUND", false, false, "Threat detected in cv.pdf: Eicar-Test-Signature"},
		{"engine error", "stream: INSTREAM size limit exceeded ERROR", false, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStore()
			if err := store.PutObject(ctx, "documents/u1/d1", strings.NewReader("resume body"), 11, "application/pdf"); err != nil {
				t.Fatalf("put: %v", err)
			}
			addr, received := fakeClamd(t, tc.reply)

			v, err := NewClamdScanner(addr, store).Scan(ctx, Target{StorageKey: "documents/u1/d1", Filename: "cv.pdf"})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected scan error")
				}
				return
			}
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if v.Clean != tc.clean || v.Details != tc.details || v.Engine != "ClamAV" {
				t.Fatalf("unexpected verdict %+v", v)
			}
			if !tc.clean && v.ThreatType != ThreatVirus {
				t.Fatalf("expected virus threat type, got %q", v.ThreatType)
			}
			select {
			case body := <-received:
				if string(body) != "resume body" {
					t.Fatalf("clamd received %q", body)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("clamd never received the stream")
			}
		})
	}
}

func TestClamdScanner_MissingObject(t *testing.T) {
	_, err := NewClamdScanner("tcp://127.0.0.1:1", storage.NewMemoryStore()).Scan(context.Background(), Target{StorageKey: "documents/u1/none"})
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}
