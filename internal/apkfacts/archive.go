package apkfacts

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/apk-analysis/apk-risk/internal/domain"
)

const (
	dexHeaderSize     = 0x70
	dexStringIDsSize  = 0x38
	dexStringIDsOff   = 0x3C
	maxDexEntrySize   = 256 << 20
	maxSignatureBlock = 1 << 20

	// APK Signature Scheme v2/v3 签名块魔数
	signingBlockMagic = "APK Sig Block 42"
	eocdSignature     = "PK\x05\x06"
	maxEOCDSearch     = 0xFFFF + 22
)

var (
	errNotDex     = errors.New("not a dex file")
	dexEntryRe    = regexp.MustCompile(`^classes\d*\.dex$`)
	v1SignatureRe = regexp.MustCompile(`(?i)^META-INF/[^/]+\.(RSA|DSA|EC)$`)
)

// archiveFacts 从 APK 压缩包直接读取的信息
type archiveFacts struct {
	hasManifest bool
	strings     []string
	certificate domain.CertificateState
	skippedDex  int
}

// readArchive 读取 dex 字符串池和签名信息
func readArchive(apkPath string) (*archiveFacts, error) {
	reader, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open APK as zip: %w", err)
	}
	defer reader.Close()

	facts := &archiveFacts{}
	var dexFiles []*zip.File
	var sigErrs []string

	for _, f := range reader.File {
		switch {
		case f.Name == "AndroidManifest.xml":
			facts.hasManifest = true
		case dexEntryRe.MatchString(f.Name):
			dexFiles = append(dexFiles, f)
		case v1SignatureRe.MatchString(f.Name):
			cert, err := readSignatureEntry(f)
			if err != nil {
				sigErrs = append(sigErrs, fmt.Sprintf("%s: %v", f.Name, err))
				continue
			}
			facts.certificate.Certificates = append(facts.certificate.Certificates, cert)
		}
	}

	// classes.dex, classes2.dex ... 按名称排序保证字符串顺序稳定
	sort.Slice(dexFiles, func(i, j int) bool { return dexFiles[i].Name < dexFiles[j].Name })
	for _, f := range dexFiles {
		strs, err := readDexEntry(f)
		if err != nil {
			facts.skippedDex++
			continue
		}
		facts.strings = append(facts.strings, strs...)
	}

	present, err := hasSigningBlock(apkPath)
	if err != nil {
		sigErrs = append(sigErrs, err.Error())
	} else if present {
		facts.certificate.Certificates = append(facts.certificate.Certificates, domain.Certificate{Source: "APK Signing Block"})
	}

	// 签名块存在但全部读取失败时才视为提取失败
	if len(facts.certificate.Certificates) == 0 && len(sigErrs) > 0 {
		facts.certificate.ExtractError = strings.Join(sigErrs, "; ")
	}

	return facts, nil
}

// readSignatureEntry 读取 v1 签名块并记录指纹
func readSignatureEntry(f *zip.File) (domain.Certificate, error) {
	if f.UncompressedSize64 == 0 {
		return domain.Certificate{}, fmt.Errorf("empty signature block")
	}
	if f.UncompressedSize64 > maxSignatureBlock {
		return domain.Certificate{}, fmt.Errorf("signature block too large")
	}
	rc, err := f.Open()
	if err != nil {
		return domain.Certificate{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.Certificate{}, err
	}
	sum := sha256.Sum256(data)
	return domain.Certificate{
		Source: path.Clean(f.Name),
		SHA256: fmt.Sprintf("%x", sum),
	}, nil
}

func readDexEntry(f *zip.File) ([]string, error) {
	if f.UncompressedSize64 > maxDexEntrySize {
		return nil, fmt.Errorf("dex entry %s too large", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return parseDexStrings(data)
}

// parseDexStrings 读取 dex 字符串常量池（MUTF-8 原始字节）
// 越界的单个条目跳过，不影响其他字符串
func parseDexStrings(data []byte) ([]string, error) {
	if len(data) < dexHeaderSize || !bytes.HasPrefix(data, []byte("dex\n")) {
		return nil, errNotDex
	}
	count := binary.LittleEndian.Uint32(data[dexStringIDsSize:])
	idsOff := binary.LittleEndian.Uint32(data[dexStringIDsOff:])
	if uint64(idsOff)+uint64(count)*4 > uint64(len(data)) {
		return nil, fmt.Errorf("string ids out of range")
	}

	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		p := int(binary.LittleEndian.Uint32(data[int(idsOff)+int(i)*4:]))
		if p >= len(data) {
			continue
		}
		// 跳过 uleb128 编码的 utf16 长度
		for p < len(data) && data[p]&0x80 != 0 {
			p++
		}
		p++
		if p > len(data) {
			continue
		}
		end := bytes.IndexByte(data[p:], 0)
		if end < 0 {
			continue
		}
		out = append(out, string(data[p:p+end]))
	}
	return out, nil
}

// hasSigningBlock 检查中央目录前是否存在 v2/v3 签名块
func hasSigningBlock(apkPath string) (bool, error) {
	f, err := os.Open(apkPath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	size := info.Size()
	tailLen := int64(maxEOCDSearch)
	if size < tailLen {
		tailLen = size
	}
	tail := make([]byte, tailLen)
	if _, err := f.ReadAt(tail, size-tailLen); err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read zip trailer: %w", err)
	}

	idx := bytes.LastIndex(tail, []byte(eocdSignature))
	if idx < 0 || idx+20 > len(tail) {
		return false, fmt.Errorf("end of central directory not found")
	}
	cdOffset := int64(binary.LittleEndian.Uint32(tail[idx+16:]))
	if cdOffset < 24 || cdOffset > size {
		return false, nil
	}

	footer := make([]byte, 24)
	if _, err := f.ReadAt(footer, cdOffset-24); err != nil {
		return false, fmt.Errorf("failed to read signing block footer: %w", err)
	}
	if string(footer[8:]) != signingBlockMagic {
		return false, nil
	}
	blockSize := binary.LittleEndian.Uint64(footer[:8])
	if blockSize < 24 || blockSize+8 > uint64(cdOffset) {
		return false, fmt.Errorf("malformed APK signing block")
	}
	return true, nil
}
