package allowlist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// safeAppsSchema 白名单文件格式：对象数组，每项至少包含 package 或 package_name
const safeAppsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "package":      {"type": "string"},
      "package_name": {"type": "string"},
      "name":         {"type": "string"},
      "app_name":     {"type": "string"},
      "category":     {"type": "string"}
    },
    "anyOf": [
      {"required": ["package"]},
      {"required": ["package_name"]}
    ]
  }
}`

var safeAppsValidator = jsonschema.MustCompileString("safe_apps.schema.json", safeAppsSchema)

// fileEntry 白名单文件条目；抓取脚本写 package_name，旧文件写 package
type fileEntry struct {
	Package     string `json:"package"`
	PackageName string `json:"package_name"`
	Name        string `json:"name"`
	AppName     string `json:"app_name"`
	Category    string `json:"category"`
}

// FileProvider 从本地 JSON 文件读取白名单
type FileProvider struct {
	path string
}

// NewFileProvider 创建文件白名单来源
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Name() string {
	return "file"
}

// Load 读取并校验白名单文件
func (p *FileProvider) Load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read safe apps file %s: %w", p.path, err)
	}
	return ParseJSON(data)
}

// ParseJSON 解析白名单 JSON 数据，格式不符时整体失败
func ParseJSON(data []byte) ([]Record, error) {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid safe apps json: %w", err)
	}
	if err := safeAppsValidator.Validate(raw); err != nil {
		return nil, fmt.Errorf("safe apps file does not match schema: %w", err)
	}

	var entries []fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode safe apps: %w", err)
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		pkg := e.Package
		if pkg == "" {
			pkg = e.PackageName
		}
		name := e.AppName
		if name == "" {
			name = e.Name
		}
		records = append(records, Record{PackageName: pkg, AppName: name, Category: e.Category})
	}
	return records, nil
}
