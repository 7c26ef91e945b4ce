package model

import (
	"encoding/json"
	"time"
)

// ChartType はチャートの種類を表す。
type ChartType string

const (
	ChartBar     ChartType = "bar"
	ChartLine    ChartType = "line"
	ChartPie     ChartType = "pie"
	ChartScatter ChartType = "scatter"
)

// Valid はチャート種別が定義済みの値かどうかを返す。
func (c ChartType) Valid() bool {
	switch c {
	case ChartBar, ChartLine, ChartPie, ChartScatter:
		return true
	}
	return false
}

// Upload はアップロードされたファイルから生成したチャート設定を表す。
// ストアの uploads/{id} に保存される。UploadDate はエポックミリ秒。
type Upload struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Filename      string          `json:"filename"`
	UploadDate    int64           `json:"uploadDate"`
	ChartType     ChartType       `json:"chartType"`
	ChartData     json.RawMessage `json:"chartData,omitempty"`
	XAxis         string          `json:"xAxis"`
	YAxis         string          `json:"yAxis"`
	Is3D          *bool           `json:"is3D,omitempty"`
	SourceFileKey string          `json:"sourceFileKey,omitempty"`
}

// UploadDraft はアップロード作成時の入力値を表す。
// ID と UploadDate は書き込み時にサービス層が付与する。
type UploadDraft struct {
	UserID        string          `json:"userId"`
	Filename      string          `json:"filename"`
	ChartType     ChartType       `json:"chartType"`
	ChartData     json.RawMessage `json:"chartData,omitempty"`
	XAxis         string          `json:"xAxis"`
	YAxis         string          `json:"yAxis"`
	Is3D          *bool           `json:"is3D,omitempty"`
	SourceFileKey string          `json:"sourceFileKey,omitempty"`
}

// UploadPatch はアップロードの部分更新を表す。
// id と userId は不変のため含まない。
type UploadPatch struct {
	Filename  *string         `json:"filename,omitempty"`
	ChartType *ChartType      `json:"chartType,omitempty"`
	ChartData json.RawMessage `json:"chartData,omitempty"`
	XAxis     *string         `json:"xAxis,omitempty"`
	YAxis     *string         `json:"yAxis,omitempty"`
	Is3D      *bool           `json:"is3D,omitempty"`
}

// IsEmpty は変更対象のフィールドが1つもないかどうかを返す。
func (p UploadPatch) IsEmpty() bool {
	return p.Filename == nil && p.ChartType == nil && len(p.ChartData) == 0 &&
		p.XAxis == nil && p.YAxis == nil && p.Is3D == nil
}

// ParsedFile はスプレッドシート解析結果を表す。
type ParsedFile struct {
	Filename string              `json:"filename"`
	Columns  []string            `json:"columns"`
	Rows     []map[string]string `json:"rows,omitempty"`
	// SourceFileKey はオブジェクトストレージに原本を保存した場合のキー。
	SourceFileKey string `json:"sourceFileKey,omitempty"`
}

// SourceObject はオブジェクトストレージに保存された原本の一覧項目。
type SourceObject struct {
	Key          string
	LastModified time.Time
}
