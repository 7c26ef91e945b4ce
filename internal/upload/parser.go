package upload

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/hitoshi/sheetlens/internal/model"
)

// MockColumns は解析を行わない既定パーサが返す列名。
var MockColumns = []string{"Month", "Revenue", "Expenses", "Profit", "Growth"}

// maxParsedRows は ExcelizeParser が読み込む最大データ行数。
const maxParsedRows = 1000

// Parser はスプレッドシートを列と行に解析する。
type Parser interface {
	Parse(ctx context.Context, filename string, data []byte) (*model.ParsedFile, error)
}

// IsSpreadsheet は受け付けるファイル拡張子かどうかを返す。
func IsSpreadsheet(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xls":
		return true
	}
	return false
}

// MockParser はファイル内容を読まずに固定の列名を返す。
type MockParser struct{}

// Parse は固定の列名を返す。
func (MockParser) Parse(_ context.Context, filename string, _ []byte) (*model.ParsedFile, error) {
	return &model.ParsedFile{
		Filename: filename,
		Columns:  append([]string(nil), MockColumns...),
	}, nil
}

// ExcelizeParser は先頭シートの1行目を列名として .xlsx を解析する。
// 旧形式の .xls は excelize が読めないため Fallback に委ねる。
type ExcelizeParser struct {
	Fallback Parser
}

// Parse はスプレッドシートを解析する。
func (p ExcelizeParser) Parse(ctx context.Context, filename string, data []byte) (*model.ParsedFile, error) {
	if strings.EqualFold(filepath.Ext(filename), ".xls") {
		fallback := p.Fallback
		if fallback == nil {
			fallback = MockParser{}
		}
		return fallback.Parse(ctx, filename, data)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, model.NewInvalidFileTypeError(filename)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, model.NewInvalidInputError("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, model.NewInvalidInputError("sheet is empty")
	}

	// 空の見出しは列として扱わない
	var columns []string
	var indexes []int
	for i, cell := range rows[0] {
		name := strings.TrimSpace(cell)
		if name == "" {
			continue
		}
		columns = append(columns, name)
		indexes = append(indexes, i)
	}
	if len(columns) == 0 {
		return nil, model.NewInvalidInputError("header row is empty")
	}

	parsed := &model.ParsedFile{Filename: filename, Columns: columns}
	for _, row := range rows[1:] {
		if len(parsed.Rows) >= maxParsedRows {
			break
		}
		record := make(map[string]string, len(columns))
		empty := true
		for j, idx := range indexes {
			if idx < len(row) {
				record[columns[j]] = row[idx]
				if row[idx] != "" {
					empty = false
				}
			}
		}
		if !empty {
			parsed.Rows = append(parsed.Rows, record)
		}
	}
	return parsed, nil
}
