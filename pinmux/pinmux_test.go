package pinmux

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestClaims(t *testing.T) {
	mux := NewMux()

	test.That(t, mux.ClaimPinForFunction(19, "spi-cs2"), test.ShouldBeNil)
	// Reclaiming for the same function is idempotent.
	test.That(t, mux.ClaimPinForFunction(19, "spi-cs2"), test.ShouldBeNil)

	err := mux.ClaimPinForFunction(19, "pwm0")
	test.That(t, errors.Is(err, ErrPinConflict), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "spi-cs2")

	function, ok := mux.FunctionOf(19)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, function, test.ShouldEqual, "spi-cs2")

	mux.Release(19)
	_, ok = mux.FunctionOf(19)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, mux.ClaimPinForFunction(19, "pwm0"), test.ShouldBeNil)

	// Releasing an unclaimed pin is harmless.
	mux.Release(40)
}
