package domain

import (
	"bytes"
	"io"
	"os"
	"time"
)

// ContentSource 包原始字节来源（用于计算内容哈希）
type ContentSource interface {
	Open() (io.ReadCloser, error)
}

// FileSource 基于磁盘文件的内容来源
type FileSource struct {
	Path string
}

// Open 打开文件
func (s FileSource) Open() (io.ReadCloser, error) {
	return os.Open(s.Path)
}

// BytesSource 内存字节内容来源
type BytesSource []byte

// Open 返回内存读取器
func (s BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s)), nil
}

// Certificate 签名证书摘要信息
type Certificate struct {
	Source    string     `json:"source"` // 签名块文件名，如 META-INF/CERT.RSA
	Subject   string     `json:"subject,omitempty"`
	Issuer    string     `json:"issuer,omitempty"`
	SHA256    string     `json:"sha256,omitempty"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

// CertificateState 签名证书提取状态
// ExtractError 非空表示签名块存在但无法读取
type CertificateState struct {
	Certificates []Certificate `json:"certificates"`
	ExtractError string        `json:"extract_error,omitempty"`
}

// PackageFacts 外部解析器提取的 APK 事实数据（单次分析内只读）
type PackageFacts struct {
	PackageName string           `json:"package_name"`
	AppName     string           `json:"app_name"`
	VersionName string           `json:"version_name"`
	VersionCode string           `json:"version_code"`
	Permissions []string         `json:"permissions"`
	Strings     []string         `json:"strings"`
	Certificate CertificateState `json:"certificate"`

	// Content 原始包字节，不参与序列化
	Content ContentSource `json:"-"`
}

// UniquePermissions 返回去重后的权限列表（保留首次出现顺序）
func (f *PackageFacts) UniquePermissions() []string {
	seen := make(map[string]bool, len(f.Permissions))
	perms := make([]string, 0, len(f.Permissions))
	for _, p := range f.Permissions {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		perms = append(perms, p)
	}
	return perms
}
