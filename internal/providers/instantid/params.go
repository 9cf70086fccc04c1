package instantid

// NegativePrompt steers the model away from low quality, watermarked,
// deformed and off-topic output. The remote space was tuned against this
// exact literal.
const NegativePrompt = "(lowres, low quality, worst quality:1.2), " +
	"(text:1.2), watermark, (frame:1.2), deformed, ugly, " +
	"deformed eyes, blur, out of focus, blurry, deformed cat, " +
	"deformed, photo, anthropomorphic cat, monochrome, pet collar, " +
	"gun, weapon, blue, 3d, drones, drone, buildings in background, green"

// Params is the fixed parameter bundle sent with every generation. It is not
// request configurable.
type Params struct {
	NegativePrompt    string
	Steps             int
	IdentityStrength  float64
	AdapterStrength   float64
	CannyStrength     float64
	DepthStrength     float64
	ControlNets       []string
	GuidanceScale     float64
	Seed              int
	Scheduler         string
	EnableLCM         bool
	EnhanceFaceRegion bool
}

// DefaultParams returns the bundle the InstantID space expects.
func DefaultParams() Params {
	return Params{
		NegativePrompt:    NegativePrompt,
		Steps:             30,
		IdentityStrength:  0.8,
		AdapterStrength:   0.8,
		CannyStrength:     0.4,
		DepthStrength:     0.4,
		ControlNets:       []string{"depth"},
		GuidanceScale:     5,
		Seed:              42,
		Scheduler:         "EulerDiscreteScheduler",
		EnableLCM:         false,
		EnhanceFaceRegion: true,
	}
}

func (p Params) clone() Params {
	p.ControlNets = append([]string(nil), p.ControlNets...)
	return p
}

// arguments lays the inputs out in the positional order of the
// /generate_image endpoint.
func (p Params) arguments(face, pose fileData, prompt, style string) []any {
	return []any{
		face,
		pose,
		prompt,
		p.NegativePrompt,
		style,
		p.Steps,
		p.IdentityStrength,
		p.AdapterStrength,
		p.CannyStrength,
		p.DepthStrength,
		append([]string(nil), p.ControlNets...),
		p.GuidanceScale,
		p.Seed,
		p.Scheduler,
		p.EnableLCM,
		p.EnhanceFaceRegion,
	}
}
