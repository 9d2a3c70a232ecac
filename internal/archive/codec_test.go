package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server-dr/internal/config"
	apperrors "server-dr/internal/errors"
)

func testKey(t *testing.T) StaticKey {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	return key
}

// stageTree creates a staging tree with the given component files and writes metadata.
func stageTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	components := map[string]bool{}
	for rel, body := range files {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0o640))
		components[strings.SplitN(rel, "/", 2)[0]] = true
	}

	meta := &ArchiveMetadata{
		BackupID:  "run-0001",
		Timestamp: time.Now().UTC(),
		Hostname:  "web01",
	}
	for c := range components {
		meta.Components = append(meta.Components, c)
	}
	require.NoError(t, WriteMetadata(dir, meta))
	return dir
}

// treeDigest maps relative path to content hash, ignoring the metadata sidecar.
func treeDigest(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		sum := sha256.Sum256(data)
		out[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:])
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRoundTrip(t *testing.T) {
	files := map[string]string{
		"database/app_20250101T000000Z.sql": "CREATE TABLE t (id int);\nINSERT INTO t VALUES (1);\n",
		"configuration/etc/nginx/nginx.conf": "server { server_name example.com; }",
		"application/srv/app/index.php":     strings.Repeat("<?php echo 1; ?>\n", 20000),
		"application/srv/app/empty.txt":     "",
	}

	for _, comp := range []Compression{CompressionZstd, CompressionGzip, CompressionLZ4, CompressionNone} {
		for _, encrypt := range []bool{false, true} {
			name := string(comp)
			if encrypt {
				name += "+enc"
			}
			t.Run(name, func(t *testing.T) {
				staging := stageTree(t, files)
				out := t.TempDir()

				var key KeySource
				if encrypt {
					key = testKey(t)
				}
				codec := NewCodec(comp, 0, key)
				archiveName := Name("web01", time.Now(), "0f1e2d3c-4b5a", comp, encrypt)

				result, err := codec.Build(context.Background(), staging, out, archiveName)
				require.NoError(t, err)
				assert.Equal(t, encrypt, result.Encrypted)
				assert.Equal(t, encrypt, strings.HasSuffix(result.Path, ".enc"))
				assert.NoFileExists(t, result.Path+".partial")

				report, err := codec.Validate(context.Background(), result.Path)
				require.NoError(t, err)
				assert.Equal(t, []string{"application", "configuration", "database"}, report.Components)
				assert.Equal(t, encrypt, report.Encrypted)

				dest := t.TempDir()
				meta, err := codec.Extract(context.Background(), result.Path, dest)
				require.NoError(t, err)
				assert.Equal(t, "run-0001", meta.BackupID)
				assert.Equal(t, treeDigest(t, staging), treeDigest(t, dest))
			})
		}
	}
}

func TestScenarioEncryptedThreeComponents(t *testing.T) {
	staging := stageTree(t, map[string]string{
		"database/shop.sql":                "-- dump\nCREATE TABLE orders (id int);\n",
		"configuration/etc/app/app.yaml":   "listen: 0.0.0.0:8080\n",
		"application/srv/app/bin/launcher": "#!/bin/sh\nexec app\n",
	})
	key := testKey(t)
	codec := NewCodec(CompressionZstd, 3, key)

	result, err := codec.Build(context.Background(), staging, t.TempDir(), Name("db01", time.Now(), "abcdef0123", CompressionZstd, true))
	require.NoError(t, err)

	_, err = codec.Validate(context.Background(), result.Path)
	require.NoError(t, err)

	dest := t.TempDir()
	_, err = codec.Extract(context.Background(), result.Path, dest)
	require.NoError(t, err)

	for _, sub := range []string{"database", "configuration", "application"} {
		assert.DirExists(t, filepath.Join(dest, sub))
	}
	assert.Equal(t, treeDigest(t, staging), treeDigest(t, dest))
}

func TestLargeEncryptedArchiveSpansChunks(t *testing.T) {
	big := bytes.Repeat([]byte("0123456789abcdef"), 3*chunkSize/16+7)
	staging := stageTree(t, map[string]string{"monitoring/blob.bin": string(big)})
	codec := NewCodec(CompressionNone, 0, testKey(t))

	result, err := codec.Build(context.Background(), staging, t.TempDir(), Name("h", time.Now(), "r1", CompressionNone, true))
	require.NoError(t, err)

	dest := t.TempDir()
	_, err = codec.Extract(context.Background(), result.Path, dest)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "monitoring", "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestValidateDistinguishesWrongKeyFromCorruption(t *testing.T) {
	staging := stageTree(t, map[string]string{"configuration/a.conf": strings.Repeat("x=1\n", 5000)})
	codec := NewCodec(CompressionGzip, 0, testKey(t))
	result, err := codec.Build(context.Background(), staging, t.TempDir(), Name("h", time.Now(), "r1", CompressionGzip, true))
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		other := NewCodec(CompressionGzip, 0, testKey(t))
		_, err := other.Validate(context.Background(), result.Path)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecryptionFailed))
	})

	t.Run("no key", func(t *testing.T) {
		_, err := NewCodec(CompressionGzip, 0, nil).Validate(context.Background(), result.Path)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecryptionFailed))
	})

	t.Run("flipped byte", func(t *testing.T) {
		data, err := os.ReadFile(result.Path)
		require.NoError(t, err)
		data[len(data)/2] ^= 0xFF
		damaged := filepath.Join(t.TempDir(), filepath.Base(result.Path))
		require.NoError(t, os.WriteFile(damaged, data, 0o600))

		_, err = codec.Validate(context.Background(), damaged)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArchiveCorrupt))
		assert.False(t, apperrors.IsType(err, apperrors.ErrorTypeDecryptionFailed))
	})

	t.Run("truncated", func(t *testing.T) {
		data, err := os.ReadFile(result.Path)
		require.NoError(t, err)
		damaged := filepath.Join(t.TempDir(), filepath.Base(result.Path))
		require.NoError(t, os.WriteFile(damaged, data[:len(data)-40], 0o600))

		_, err = codec.Validate(context.Background(), damaged)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArchiveCorrupt))
	})
}

func TestValidatePlainCorruption(t *testing.T) {
	staging := stageTree(t, map[string]string{"database/x.sql": strings.Repeat("INSERT INTO t VALUES (1);\n", 2000)})
	codec := NewCodec(CompressionZstd, 0, nil)
	result, err := codec.Build(context.Background(), staging, t.TempDir(), Name("h", time.Now(), "r1", CompressionZstd, false))
	require.NoError(t, err)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	damaged := filepath.Join(t.TempDir(), filepath.Base(result.Path))
	require.NoError(t, os.WriteFile(damaged, data[:len(data)/2], 0o600))

	_, err = codec.Validate(context.Background(), damaged)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArchiveCorrupt))
}

func TestBuildRequiresMetadata(t *testing.T) {
	staging := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "database"), 0o755))

	_, err := NewCodec(CompressionGzip, 0, nil).Build(context.Background(), staging, t.TempDir(), "backup_x.tar.gz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), MetadataPath)
}

func TestBuildCancelledRemovesPartial(t *testing.T) {
	staging := stageTree(t, map[string]string{"application/a.txt": "a"})
	out := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCodec(CompressionGzip, 0, nil).Build(ctx, staging, out, "backup_h_20250101T000000Z_r1.tar.gz")
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestValidateRejectsMissingComponent(t *testing.T) {
	staging := stageTree(t, map[string]string{"database/x.sql": "x"})
	require.NoError(t, os.RemoveAll(filepath.Join(staging, "database")))

	result, err := NewCodec(CompressionNone, 0, nil).Build(context.Background(), staging, t.TempDir(), "backup_h_20250101T000000Z_r1.tar")
	require.NoError(t, err)

	_, err = NewCodec(CompressionNone, 0, nil).Validate(context.Background(), result.Path)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArchiveCorrupt))
	assert.Contains(t, err.Error(), "database")
}

func TestExtractRejectsTraversal(t *testing.T) {
	tests := []struct {
		name string
		hdr  tar.Header
	}{
		{"dotdot", tar.Header{Name: "../evil.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 4}},
		{"absolute symlink", tar.Header{Name: "configuration/link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
		{"escaping symlink", tar.Header{Name: "configuration/link", Typeflag: tar.TypeSymlink, Linkname: "../../outside"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "backup_h_20250101T000000Z_r1.tar")
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			hdr := tt.hdr
			require.NoError(t, tw.WriteHeader(&hdr))
			if hdr.Typeflag == tar.TypeReg {
				_, err := tw.Write([]byte("evil"))
				require.NoError(t, err)
			}
			require.NoError(t, tw.Close())
			require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

			dest := filepath.Join(t.TempDir(), "dest")
			_, err := NewCodec(CompressionNone, 0, nil).Extract(context.Background(), path, dest)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArchiveCorrupt))
			assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil.txt"))
		})
	}
}

func TestExtractRejectsWritesThroughSymlinkChain(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, hdr := range []tar.Header{
		{Name: "d", Typeflag: tar.TypeSymlink, Linkname: "."},
		{Name: "d/e", Typeflag: tar.TypeSymlink, Linkname: ".."},
		{Name: "d/e/outside.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 5},
	} {
		hdr := hdr
		require.NoError(t, tw.WriteHeader(&hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte("pwned"))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())

	base := t.TempDir()
	path := filepath.Join(base, "backup_h_20250101T000000Z_r1.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	dest := filepath.Join(base, "work", "dest")
	_, err := NewCodec(CompressionNone, 0, nil).Extract(context.Background(), path, dest)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArchiveCorrupt))
	assert.NoFileExists(t, filepath.Join(base, "work", "outside.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "outside.txt"))
}

func TestListAndReadMetadata(t *testing.T) {
	staging := stageTree(t, map[string]string{
		"certificates/etc/ssl/site.key": "KEY",
		"cache/dump.rdb":                "REDIS0011",
	})
	codec := NewCodec(CompressionLZ4, 0, nil)
	result, err := codec.Build(context.Background(), staging, t.TempDir(), Name("h", time.Now(), "r1", CompressionLZ4, false))
	require.NoError(t, err)

	entries, err := codec.List(context.Background(), result.Path)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, MetadataPath, entries[len(entries)-1].Name)

	meta, err := codec.ReadMetadata(context.Background(), result.Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "certificates"}, meta.Components)
	assert.Equal(t, 2, meta.FileCount)
	assert.Equal(t, int64(len("KEY")+len("REDIS0011")), meta.Size)
}

func TestWriteMetadataRequiresArtifacts(t *testing.T) {
	dir := t.TempDir()
	err := WriteMetadata(dir, &ArchiveMetadata{BackupID: "x", Components: []string{"database"}})
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, MetadataDir, MetadataFile))
}

func TestNaming(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	name := Name("web_01.example.com", ts, "1234abcd-ef00-1111", CompressionZstd, true)
	assert.Equal(t, "backup_web-01.example.com_20250304T050607Z_1234abcd.tar.zst.enc", name)

	info, ok := ParseName("/backups/daily/" + name)
	require.True(t, ok)
	assert.Equal(t, "web-01.example.com", info.Host)
	assert.Equal(t, ts, info.Timestamp)
	assert.Equal(t, "1234abcd", info.RunID)
	assert.Equal(t, CompressionZstd, info.Compression)
	assert.True(t, info.Encrypted)

	assert.True(t, IsArchiveName("backup_h_20250101T000000Z_r1.tar.gz"))
	assert.False(t, IsArchiveName("backup_h_20250101T000000Z_r1.tar.gz.partial"))
	assert.False(t, IsArchiveName("notes.txt"))

	_, ok = ParseName("random.tar.gz")
	assert.False(t, ok)
}

func TestLoadKey(t *testing.T) {
	key := testKey(t)

	t.Run("disabled", func(t *testing.T) {
		ks, err := LoadKey(config.EncryptionConfig{})
		require.NoError(t, err)
		assert.Nil(t, ks)
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("TEST_DR_KEY", hex.EncodeToString(key))
		ks, err := LoadKey(config.EncryptionConfig{Enabled: true, KeySource: "env", KeyEnvVar: "TEST_DR_KEY"})
		require.NoError(t, err)
		assert.Equal(t, StaticKey(key), ks)
	})

	t.Run("env short", func(t *testing.T) {
		t.Setenv("TEST_DR_KEY", "abcd")
		_, err := LoadKey(config.EncryptionConfig{Enabled: true, KeySource: "env", KeyEnvVar: "TEST_DR_KEY"})
		assert.Equal(t, apperrors.ErrorTypeConfiguration, apperrors.GetErrorType(err))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "archive.key")
		require.NoError(t, os.WriteFile(path, key, 0o600))
		ks, err := LoadKey(config.EncryptionConfig{Enabled: true, KeySource: "file", KeyPath: path})
		require.NoError(t, err)
		assert.Equal(t, "static", ks.Kind())
	})

	t.Run("passphrase", func(t *testing.T) {
		t.Setenv("TEST_DR_PASS", "correct horse battery staple")
		ks, err := LoadKey(config.EncryptionConfig{Enabled: true, KeySource: "passphrase", PassphraseEnvVar: "TEST_DR_PASS"})
		require.NoError(t, err)

		salt := []byte("0123456789abcdef")
		k1, err := ks.DeriveKey(salt)
		require.NoError(t, err)
		k2, err := ks.DeriveKey(salt)
		require.NoError(t, err)
		assert.Equal(t, k1, k2)
		assert.Len(t, k1, 32)
	})
}

func TestPassphraseRoundTrip(t *testing.T) {
	staging := stageTree(t, map[string]string{"configuration/x.conf": "x"})
	codec := NewCodec(CompressionGzip, 0, Passphrase("s3cret"))
	result, err := codec.Build(context.Background(), staging, t.TempDir(), Name("h", time.Now(), "r", CompressionGzip, true))
	require.NoError(t, err)

	_, err = NewCodec(CompressionGzip, 0, Passphrase("s3cret")).Validate(context.Background(), result.Path)
	require.NoError(t, err)

	_, err = NewCodec(CompressionGzip, 0, Passphrase("wrong")).Validate(context.Background(), result.Path)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeDecryptionFailed))
}
