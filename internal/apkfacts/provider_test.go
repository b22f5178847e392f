package apkfacts

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apk-analysis/apk-risk/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleXMLTree = `N: android=http://schemas.android.com/apk/res/android (line=2)
  E: manifest (line=2)
    A: android:versionCode(0x0101021b)=(type 0x10)0x1f
    A: android:versionName(0x0101021c)="2.4.1" (Raw: "2.4.1")
    A: package="com.example.notes" (Raw: "com.example.notes")
      E: uses-sdk (line=7)
        A: android:minSdkVersion(0x0101020c)=(type 0x10)0x15
      E: uses-permission (line=9)
        A: android:name(0x01010003)="android.permission.INTERNET" (Raw: "android.permission.INTERNET")
      E: uses-permission (line=10)
        A: android:name(0x01010003)="android.permission.READ_SMS" (Raw: "android.permission.READ_SMS")
      E: uses-permission (line=11)
        A: android:name(0x01010003)="android.permission.INTERNET" (Raw: "android.permission.INTERNET")
      E: application (line=13)
        A: android:label(0x01010001)="Notes" (Raw: "Notes")
        A: android:icon(0x01010002)=@0x7f0d0000
          E: activity (line=15)
            A: android:name(0x01010003)="com.example.notes.MainActivity" (Raw: "com.example.notes.MainActivity")
`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestParseAaptXMLTree 测试 aapt2 输出解析
func TestParseAaptXMLTree(t *testing.T) {
	m := ParseAaptXMLTree(sampleXMLTree)

	assert.Equal(t, "com.example.notes", m.Package)
	assert.Equal(t, "2.4.1", m.VersionName)
	assert.Equal(t, "31", m.VersionCode)
	assert.Equal(t, "Notes", m.Label)
	assert.Equal(t, []string{"android.permission.INTERNET", "android.permission.READ_SMS"}, m.Permissions)
}

// TestParseAaptXMLTree_Empty 测试无包名输出
func TestParseAaptXMLTree_Empty(t *testing.T) {
	m := ParseAaptXMLTree("E: manifest (line=2)\n")
	assert.Empty(t, m.Package)
	assert.Empty(t, m.Permissions)
}

// buildDex 构造只包含字符串常量池的最小 dex
func buildDex(strs ...string) []byte {
	data := make([]byte, dexHeaderSize)
	copy(data, "dex\n035\x00")
	binary.LittleEndian.PutUint32(data[dexStringIDsSize:], uint32(len(strs)))
	binary.LittleEndian.PutUint32(data[dexStringIDsOff:], dexHeaderSize)

	ids := make([]byte, 4*len(strs))
	data = append(data, ids...)
	for i, s := range strs {
		binary.LittleEndian.PutUint32(data[dexHeaderSize+4*i:], uint32(len(data)))
		data = append(data, byte(len(s)))
		data = append(data, s...)
		data = append(data, 0)
	}
	return data
}

// TestParseDexStrings 测试 dex 字符串池读取
func TestParseDexStrings(t *testing.T) {
	strs, err := parseDexStrings(buildDex("http://api.example-server.com/data", "Runtime.exec", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://api.example-server.com/data", "Runtime.exec", ""}, strs)

	_, err = parseDexStrings([]byte("PK not a dex"))
	assert.ErrorIs(t, err, errNotDex)
}

// TestParseDexStrings_BadOffsetSkipped 测试越界条目被跳过
func TestParseDexStrings_BadOffsetSkipped(t *testing.T) {
	data := buildDex("first", "second")
	binary.LittleEndian.PutUint32(data[dexHeaderSize:], uint32(len(data)+100))

	strs, err := parseDexStrings(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, strs)
}

type zipEntry struct {
	name string
	data []byte
}

func writeAPK(t *testing.T, entries ...zipEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.apk")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for _, e := range entries {
		fw, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = fw.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

type fakeManifestReader struct {
	manifest *Manifest
	err      error
}

func (f fakeManifestReader) ReadManifest(ctx context.Context, apkPath string) (*Manifest, error) {
	return f.manifest, f.err
}

// TestAPKProvider_Extract 测试 APK 事实提取
func TestAPKProvider_Extract(t *testing.T) {
	apk := writeAPK(t,
		zipEntry{"AndroidManifest.xml", []byte{0x03, 0x00}},
		zipEntry{"classes.dex", buildDex("getDeviceId")},
		zipEntry{"classes2.dex", buildDex("http://evil-server.net/x")},
		zipEntry{"META-INF/CERT.RSA", []byte("pkcs7 bytes")},
	)
	reader := fakeManifestReader{manifest: ParseAaptXMLTree(sampleXMLTree)}
	p := NewAPKProviderWithReader(reader, testLogger())

	facts, err := p.Extract(context.Background(), apk)
	require.NoError(t, err)

	assert.Equal(t, "com.example.notes", facts.PackageName)
	assert.Equal(t, "Notes", facts.AppName)
	assert.Equal(t, []string{"getDeviceId", "http://evil-server.net/x"}, facts.Strings)
	require.Len(t, facts.Certificate.Certificates, 1)
	assert.Equal(t, "META-INF/CERT.RSA", facts.Certificate.Certificates[0].Source)
	assert.Len(t, facts.Certificate.Certificates[0].SHA256, 64)
	assert.Empty(t, facts.Certificate.ExtractError)
	assert.Equal(t, domain.FileSource{Path: apk}, facts.Content)
}

// TestAPKProvider_Unsigned 测试未签名 APK
func TestAPKProvider_Unsigned(t *testing.T) {
	apk := writeAPK(t, zipEntry{"AndroidManifest.xml", []byte{0x03}})
	p := NewAPKProviderWithReader(fakeManifestReader{manifest: &Manifest{Package: "com.a"}}, testLogger())

	facts, err := p.Extract(context.Background(), apk)
	require.NoError(t, err)
	assert.Empty(t, facts.Certificate.Certificates)
	assert.Empty(t, facts.Certificate.ExtractError)
}

// TestAPKProvider_EmptySignatureBlock 测试签名块损坏
func TestAPKProvider_EmptySignatureBlock(t *testing.T) {
	apk := writeAPK(t,
		zipEntry{"AndroidManifest.xml", []byte{0x03}},
		zipEntry{"META-INF/CERT.RSA", nil},
	)
	p := NewAPKProviderWithReader(fakeManifestReader{manifest: &Manifest{Package: "com.a"}}, testLogger())

	facts, err := p.Extract(context.Background(), apk)
	require.NoError(t, err)
	assert.Empty(t, facts.Certificate.Certificates)
	assert.Contains(t, facts.Certificate.ExtractError, "empty signature block")
}

// TestAPKProvider_Errors 测试输入错误分类
func TestAPKProvider_Errors(t *testing.T) {
	p := NewAPKProviderWithReader(fakeManifestReader{manifest: &Manifest{}}, testLogger())
	dir := t.TempDir()

	_, err := p.Extract(context.Background(), filepath.Join(dir, "missing.apk"))
	assert.ErrorIs(t, err, domain.ErrPackageNotFound)

	notZip := filepath.Join(dir, "bad.apk")
	require.NoError(t, os.WriteFile(notZip, []byte("not a zip"), 0644))
	_, err = p.Extract(context.Background(), notZip)
	assert.ErrorIs(t, err, domain.ErrUnreadablePackage)

	noManifest := writeAPK(t, zipEntry{"classes.dex", buildDex("x")})
	_, err = p.Extract(context.Background(), noManifest)
	assert.ErrorIs(t, err, domain.ErrUnreadablePackage)
}

// TestFactsFileProvider 测试事实文件读取
func TestFactsFileProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.apk"), []byte("apk bytes"), 0644))
	doc := `{
		"package_name": "com.example.sms",
		"app_name": "SMS",
		"permissions": ["android.permission.READ_SMS"],
		"strings": ["http://api.example-server.com/data"],
		"certificate": {"certificates": []},
		"apk_path": "app.apk"
	}`
	path := filepath.Join(dir, "app.facts.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	d := NewDispatcher(NewAPKProviderWithReader(nil, testLogger()), NewFactsFileProvider())
	facts, err := d.Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "com.example.sms", facts.PackageName)
	assert.Equal(t, []string{"android.permission.READ_SMS"}, facts.Permissions)
	assert.Equal(t, domain.FileSource{Path: filepath.Join(dir, "app.apk")}, facts.Content)

	_, err = d.Extract(context.Background(), filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, domain.ErrPackageNotFound)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0644))
	_, err = d.Extract(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrUnreadablePackage)
}
