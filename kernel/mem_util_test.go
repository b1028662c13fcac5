package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// Sizes that are not powers of two exercise the tail of the last copy.
	for _, size := range []uintptr{1, 3, 4096, 4099, 8192} {
		buf := make([]byte, size+2)
		buf[0], buf[size+1] = 0xaa, 0xaa

		Memset(uintptr(unsafe.Pointer(&buf[1])), 0x5c, size)

		for i := uintptr(1); i <= size; i++ {
			if buf[i] != 0x5c {
				t.Fatalf("[size %d] expected byte %d to be 0x5c; got 0x%x", size, i, buf[i])
			}
		}

		if buf[0] != 0xaa || buf[size+1] != 0xaa {
			t.Fatalf("[size %d] Memset wrote outside the target region", size)
		}
	}

	// A zero size must not touch the address at all.
	Memset(0, 0xff, 0)
}

func TestMemcopy(t *testing.T) {
	src := make([]byte, 4096)
	for i := range src {
		src[i] = byte(i % 251)
	}
	dst := make([]byte, len(src))

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), uintptr(len(src)))

	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("expected dst[%d] to be %d; got %d", i, src[i], dst[i])
		}
	}

	Memcopy(0, 0, 0)
}
