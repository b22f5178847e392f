package riskanalysis

import (
	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/apk-analysis/apk-risk/internal/rules"
)

// 证书检查说明
const (
	CertNoteFound   = "Certificate found (basic check)"
	CertNoteMissing = "No certificate found"
	certNoteFailed  = "Certificate analysis failed: "
)

// CertificateEvaluator 签名证书风险评估
//
// 只检查证书是否存在，不校验证书链、有效期和签发者
type CertificateEvaluator struct {
	rules *rules.RuleSet
}

// NewCertificateEvaluator 创建证书评估器
func NewCertificateEvaluator(rs *rules.RuleSet) *CertificateEvaluator {
	return &CertificateEvaluator{rules: rs}
}

// Evaluate 返回证书得分和说明
func (e *CertificateEvaluator) Evaluate(state domain.CertificateState) (int, string) {
	if state.ExtractError != "" {
		return e.rules.CertificateFailedScore(), certNoteFailed + state.ExtractError
	}
	if len(state.Certificates) == 0 {
		return e.rules.CertificateMissingScore(), CertNoteMissing
	}
	return 0, CertNoteFound
}
