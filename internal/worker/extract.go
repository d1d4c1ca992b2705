package worker

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	mimePlain = "text/plain"
	mimeDocx  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	// 切片目标长度（字符）。
	chunkSize = 1000
	// 少于该长度的可打印片段视为噪声。
	minRunLength = 4
)

// ExtractText 从文件内容中提取纯文本。
// text/plain 原样返回；docx 读取 word/document.xml；其余格式退化为可打印字符片段提取。
func ExtractText(mime string, data []byte) string {
	switch mime {
	case mimePlain:
		return strings.TrimSpace(strings.ToValidUTF8(string(data), ""))
	case mimeDocx:
		if text, err := extractDocx(data); err == nil && text != "" {
			return text
		}
	}
	return extractPrintableRuns(data)
}

func extractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return wordXMLText(rc)
	}
	return "", errors.New("word/document.xml not found")
}

// wordXMLText 收集 <w:t> 文本，段落之间换行。
func wordXMLText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			inText = el.Name.Local == "t"
		case xml.EndElement:
			if el.Name.Local == "p" {
				b.WriteByte('\n')
			}
			inText = false
		case xml.CharData:
			if inText {
				b.Write(el)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func extractPrintableRuns(data []byte) string {
	var out, run strings.Builder
	flush := func() {
		if utf8.RuneCountInString(run.String()) >= minRunLength {
			if out.Len() > 0 {
				out.WriteByte(' ')
			}
			out.WriteString(strings.TrimSpace(run.String()))
		}
		run.Reset()
	}
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r != utf8.RuneError && (unicode.IsPrint(r) || r == ' ') {
			run.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return strings.TrimSpace(out.String())
}

// ChunkText 在空白处切分文本，每段不超过 size 个字符（单词本身更长时除外）。
func ChunkText(text string, size int) []string {
	if size <= 0 {
		size = chunkSize
	}
	var (
		chunks  []string
		current strings.Builder
		length  int
	)
	for _, word := range strings.Fields(text) {
		wl := utf8.RuneCountInString(word)
		if length > 0 && length+1+wl > size {
			chunks = append(chunks, current.String())
			current.Reset()
			length = 0
		}
		if length > 0 {
			current.WriteByte(' ')
			length++
		}
		current.WriteString(word)
		length += wl
	}
	if length > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
