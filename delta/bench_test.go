package delta

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/pkg/profile"

	"github.com/c4milo/syncd/fingerprint"
)

func corpus(size int) (dst, src []byte) {
	r := rand.New(rand.NewSource(42))
	dst = make([]byte, size)
	r.Read(dst)
	src = append([]byte(nil), dst...)
	for i := 0; i < size/200; i++ {
		src[r.Intn(size)] = byte(r.Intn(256))
	}
	return dst, src
}

func benchmarkBlockSize(b *testing.B, blockSize int) {
	dst, src := corpus(4 * 1024 * 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sums, err := Checksums(bytes.NewReader(dst), blockSize, fingerprint.KindFast)
		if err != nil {
			b.Fatal(err)
		}
		instructions, errs := Diff(context.Background(), bytes.NewReader(src), sums, blockSize, fingerprint.KindFast)
		var out bytes.Buffer
		if err := Apply(bytes.NewReader(dst), instructions, errs, blockSize, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func Benchmark6kbBlockSize(b *testing.B)   { benchmarkBlockSize(b, 6*1024) }
func Benchmark32kbBlockSize(b *testing.B)  { benchmarkBlockSize(b, 32*1024) }
func Benchmark64kbBlockSize(b *testing.B)  { benchmarkBlockSize(b, 64*1024) }

func BenchmarkFastFingerprint(b *testing.B) {
	defer profile.Start(profile.CPUProfile, profile.NoShutdownHook).Stop()
	data := make([]byte, 4*1024*1024)
	rand.New(rand.NewSource(1)).Read(data)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fingerprint.SumBytes(fingerprint.KindFast, data)
	}
}

func BenchmarkCryptographicFingerprint(b *testing.B) {
	data := make([]byte, 4*1024*1024)
	rand.New(rand.NewSource(1)).Read(data)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fingerprint.SumBytes(fingerprint.KindCryptographic, data)
	}
}
