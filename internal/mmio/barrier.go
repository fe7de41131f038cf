//go:build linux && cgo

package mmio

/*
#include <stdint.h>

// x86-64 store fence: all prior stores are globally visible before any
// later store. Needed before advancing an inbound queue's producer index so
// the controller never observes an index update ahead of the element it
// describes.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full memory fence: every prior memory operation completes before
// any later one. Used around the admin doorbell, where both the index write
// and a following register read must stay ordered.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Sfence issues a store fence (x86 SFENCE).
func Sfence() {
	C.sfence_impl()
}

// Mfence issues a full memory fence (x86 MFENCE).
func Mfence() {
	C.mfence_impl()
}
