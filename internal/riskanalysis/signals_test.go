package riskanalysis

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	permReadSMS  = "android.permission.READ_SMS"
	permSendSMS  = "android.permission.SEND_SMS"
	permCallLog  = "android.permission.READ_CALL_LOG"
	permCamera   = "android.permission.CAMERA"
	permInternet = "android.permission.INTERNET"
)

// TestPermissionModel_Tier 测试权限分级
func TestPermissionModel_Tier(t *testing.T) {
	m := NewPermissionModel(rules.MustDefault())

	assert.Equal(t, domain.PermissionHigh, m.Tier(permReadSMS))
	assert.Equal(t, domain.PermissionMedium, m.Tier(permCamera))
	assert.Equal(t, domain.PermissionMedium, m.Tier("android.permission.WRITE_EXTERNAL_STORAGE"))
	assert.Equal(t, domain.PermissionLow, m.Tier(permInternet))
	assert.Equal(t, domain.PermissionLow, m.Tier("com.example.UNKNOWN"))
}

// TestPermissionModel_SMSPair 测试两个短信权限得分 560
func TestPermissionModel_SMSPair(t *testing.T) {
	m := NewPermissionModel(rules.MustDefault())

	res := m.Score([]string{permReadSMS, permSendSMS})
	assert.Equal(t, 400, res.RawScore)
	assert.Equal(t, 560, res.Score)
	assert.Equal(t, []string{permReadSMS, permSendSMS}, res.HighRisk)
	require.Len(t, res.Annotations, 2)
	assert.Equal(t, domain.PermissionAnnotation{Name: permReadSMS, Risk: domain.PermissionHigh}, res.Annotations[0])
}

// TestPermissionModel_Amplification 测试高危权限数量增加放大系数
func TestPermissionModel_Amplification(t *testing.T) {
	m := NewPermissionModel(rules.MustDefault())

	one := m.Score([]string{permReadSMS, permCamera})
	two := m.Score([]string{permReadSMS, permCallLog})

	assert.Equal(t, 336, one.Score) // 280 * 1.2
	assert.Equal(t, 490, two.Score) // 350 * 1.4

	ratio := func(r PermissionResult) float64 { return float64(r.Score) / float64(r.RawScore) }
	assert.Greater(t, ratio(two), ratio(one))
}

// TestPermissionModel_NonNegative 测试权限得分非负、未知权限不加分
func TestPermissionModel_NonNegative(t *testing.T) {
	m := NewPermissionModel(rules.MustDefault())

	empty := m.Score(nil)
	assert.Equal(t, 0, empty.Score)
	assert.Empty(t, empty.HighRisk)

	unknown := m.Score([]string{"com.example.A", "com.example.B"})
	assert.Equal(t, 0, unknown.Score)
	assert.Len(t, unknown.Annotations, 2)

	low := m.Score([]string{permInternet})
	assert.Equal(t, 10, low.Score)
}

// TestPatternScanner_Scan 测试特征匹配、重复保留与跳过
func TestPatternScanner_Scan(t *testing.T) {
	s := NewPatternScanner(rules.MustDefault())

	res := s.Scan([]string{`Runtime.exec("su")`, "hello", "", "\xff\xfe"})
	var ids []string
	for _, f := range res.Findings {
		ids = append(ids, f.Pattern)
		assert.Equal(t, "APK strings", f.Location)
	}
	assert.Equal(t, []string{`exec\(`, `runtime\.exec`, `su\b`}, ids)
	assert.Equal(t, 550, res.Score)
	assert.Equal(t, 2, res.Skipped)
}

// TestPatternScanner_KeepsDuplicates 测试多个字符串命中同一特征全部保留
func TestPatternScanner_KeepsDuplicates(t *testing.T) {
	s := NewPatternScanner(rules.MustDefault())

	res := s.Scan([]string{"base64", "BASE64", "Base64Decoder"})
	assert.Len(t, res.Findings, 3)
	assert.Equal(t, 90, res.Score)
}

// TestPatternScanner_PartiallyInvalidUTF8 测试非法字节被丢弃后继续匹配
func TestPatternScanner_PartiallyInvalidUTF8(t *testing.T) {
	s := NewPatternScanner(rules.MustDefault())

	res := s.Scan([]string{"getDevice\xffId"})
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "getDeviceId", res.Findings[0].Pattern)
	assert.Equal(t, 0, res.Skipped)
}

// TestDomainScanner_SuspiciousExternal 测试可疑外部域名
func TestDomainScanner_SuspiciousExternal(t *testing.T) {
	s := NewDomainScanner(rules.MustDefault())

	res := s.Scan([]string{"http://api.example-server.com/data"})
	require.Len(t, res.Findings, 1)
	assert.Equal(t, domain.DomainFinding{
		Domain: "api.example-server.com",
		Reason: ReasonSuspiciousExternal,
		Score:  50,
	}, res.Findings[0])
	assert.Equal(t, 50, res.Score)
}

// TestDomainScanner_Classification 测试分类顺序
func TestDomainScanner_Classification(t *testing.T) {
	s := NewDomainScanner(rules.MustDefault())

	cases := []struct {
		host   string
		flag   bool
		reason string
		score  int
	}{
		{"evil-server.net", true, ReasonKnownMalicious, 200},
		{"googleapis.com", false, "", 0},
		{"github.com", false, "", 0},
		{"cdn.example.com", false, "", 0},
		{"mycloud.example.org", true, ReasonSuspiciousExternal, 50},
		{"API.Example.ORG", true, ReasonSuspiciousExternal, 50},
		{"a.io", false, "", 0},
	}
	for _, c := range cases {
		f, ok := s.Classify(c.host)
		assert.Equal(t, c.flag, ok, c.host)
		if ok {
			assert.Equal(t, c.reason, f.Reason, c.host)
			assert.Equal(t, c.score, f.Score, c.host)
		}
	}
}

// TestDomainScanner_NeverFlagsKnownGood 测试白名单域名不受关键词影响
func TestDomainScanner_NeverFlagsKnownGood(t *testing.T) {
	rs := rules.MustDefault()
	s := NewDomainScanner(rs)

	for _, host := range []string{"googleapis.com", "icloud.com", "azure.com", "google.com"} {
		res := s.Scan([]string{"https://" + host + "/v1/server/api"})
		assert.Empty(t, res.Findings, host)
	}
}

// TestDomainScanner_CaseSensitiveHosts 测试主机名区分大小写匹配
func TestDomainScanner_CaseSensitiveHosts(t *testing.T) {
	s := NewDomainScanner(rules.MustDefault())

	res := s.Scan([]string{"https://API.Example.com/x", "http://Malicious-Domain.com/a"})
	assert.Empty(t, res.Findings)
	assert.Equal(t, 0, res.Score)

	// 小写关键词仍按子串命中，报告保留原始主机名
	res = s.Scan([]string{"https://Media.cloudhost.NET/x"})
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "Media.cloudhost.NET", res.Findings[0].Domain)
	assert.Equal(t, ReasonSuspiciousExternal, res.Findings[0].Reason)
}

// TestDomainScanner_MultipleHostsPerString 测试单个字符串多个 URL
func TestDomainScanner_MultipleHostsPerString(t *testing.T) {
	s := NewDomainScanner(rules.MustDefault())

	res := s.Scan([]string{
		"http://evil-server.net/a https://cloud.storage.net?x=1 http://github.com/",
		"http://x.io/",
		"no url",
	})
	require.Len(t, res.Findings, 2)
	assert.Equal(t, ReasonKnownMalicious, res.Findings[0].Reason)
	assert.Equal(t, "cloud.storage.net", res.Findings[1].Domain)
	assert.Equal(t, 250, res.Score)
}

// TestCertificateEvaluator 测试证书评估
func TestCertificateEvaluator(t *testing.T) {
	e := NewCertificateEvaluator(rules.MustDefault())

	score, note := e.Evaluate(domain.CertificateState{})
	assert.Equal(t, 100, score)
	assert.Equal(t, "No certificate found", note)

	score, note = e.Evaluate(domain.CertificateState{Certificates: []domain.Certificate{{Source: "META-INF/CERT.RSA"}}})
	assert.Equal(t, 0, score)
	assert.Equal(t, "Certificate found (basic check)", note)

	score, note = e.Evaluate(domain.CertificateState{ExtractError: "truncated signing block"})
	assert.Equal(t, 75, score)
	assert.Equal(t, "Certificate analysis failed: truncated signing block", note)
}

// TestHashReader_Deterministic 测试哈希确定性
func TestHashReader_Deterministic(t *testing.T) {
	content := bytes.Repeat([]byte("apk-content-"), 2000)

	h1, err := HashReader(bytes.NewReader(content))
	require.NoError(t, err)
	h2, err := HashSource(domain.BytesSource(content))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), h1)
	assert.Len(t, h1, 64)

	changed := append([]byte(nil), content...)
	changed[len(changed)/2] ^= 0x01
	h3, err := HashReader(bytes.NewReader(changed))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

// TestHashReader_KnownVector 测试已知摘要
func TestHashReader_KnownVector(t *testing.T) {
	h, err := HashReader(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
}

// TestHashSource_Nil 测试缺少内容
func TestHashSource_Nil(t *testing.T) {
	_, err := HashSource(nil)
	assert.Error(t, err)
}
