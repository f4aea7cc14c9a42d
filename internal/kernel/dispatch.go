package kernel

import "golang.org/x/sys/cpu"

// temperatureScaleImpl is chosen once at package init by CPU capability,
// mirroring the teacher's use of golang.org/x/sys for runtime feature
// detection elsewhere in the tree. The wide path processes 8 logits per
// iteration; its scalar remainder tail shares the exact same safety
// rule as the plain scalar path.
var temperatureScaleImpl = temperatureScaleScalar

func init() {
	if cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD {
		temperatureScaleImpl = temperatureScaleWide
	}
}
