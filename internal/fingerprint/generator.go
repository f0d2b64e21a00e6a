package fingerprint

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

var (
	chromeVersions = []string{"120.0.0.0", "121.0.0.0", "122.0.0.0"}
	platforms      = []string{"Win32", "Win64", "Linux x86_64", "MacIntel"}
	languages      = []string{"en-US", "en-GB", "en", "es-ES", "fr-FR", "de-DE"}
	timezones      = []string{"UTC", "America/New_York", "Europe/London", "Europe/Paris"}
	vendors        = []string{"Google Inc.", "Apple Computer, Inc.", "Mozilla", "Opera Software ASA"}
	pluginNames    = []string{
		"PDF Viewer",
		"Chrome PDF Plugin",
		"Chrome PDF Viewer",
		"Native Client",
		"Widevine Content Decryption Module",
	}
	resolutions = [][2]int{
		{1920, 1080},
		{1366, 768},
		{1536, 864},
		{1440, 900},
		{1280, 720},
	}

	webGLVendors = []string{
		"Google Inc. (NVIDIA)",
		"Google Inc. (AMD)",
		"Google Inc. (Intel)",
		"Intel Inc.",
		"NVIDIA Corporation",
		"ATI Technologies Inc.",
	}
	webGLRenderers = []string{
		"ANGLE (NVIDIA, NVIDIA GeForce GTX 1060 Direct3D11 vs_5_0 ps_5_0)",
		"ANGLE (AMD, AMD Radeon RX 580 Direct3D11 vs_5_0 ps_5_0)",
		"ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0)",
		"ANGLE (Intel, Mesa Intel(R) UHD Graphics 630 (CFL GT2))",
		"ANGLE (NVIDIA GeForce RTX 2060 Direct3D11 vs_5_0 ps_5_0)",
	}
)

// DefaultUserAgent is the User-Agent of the fixed default fingerprint.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

// Generator produces fingerprints from an injected random source.
// It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator creates a generator drawing from rnd.
// A nil rnd seeds a PCG source from the current time.
func NewGenerator(rnd *rand.Rand) *Generator {
	if rnd == nil {
		now := uint64(time.Now().UnixNano())
		rnd = rand.New(rand.NewPCG(now, now>>32|1))
	}
	return &Generator{rnd: rnd}
}

// NewSeededGenerator creates a generator with a deterministic PCG source.
func NewSeededGenerator(seed uint64) *Generator {
	return NewGenerator(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Generate returns a randomized fingerprint. Each trait is drawn independently and the
// User-Agent is composed to match the chosen platform.
func (g *Generator) Generate() Fingerprint {
	g.mu.Lock()
	defer g.mu.Unlock()

	version := pick(g.rnd, chromeVersions)
	platform := pick(g.rnd, platforms)
	language := pick(g.rnd, languages)
	res := resolutions[g.rnd.IntN(len(resolutions))]

	fp := Fingerprint{
		userAgent:           userAgentFor(version, platform),
		chromeMajor:         strings.SplitN(version, ".", 2)[0],
		acceptLanguage:      acceptLanguageFor(language),
		language:            language,
		platform:            platform,
		width:               res[0],
		height:              res[1],
		colorDepth:          24,
		timezone:            pick(g.rnd, timezones),
		vendor:              pick(g.rnd, vendors),
		hardwareConcurrency: 2 + g.rnd.IntN(14),
		deviceMemory:        2 + g.rnd.IntN(30),
	}

	shuffled := make([]string, len(pluginNames))
	copy(shuffled, pluginNames)
	g.rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	fp.plugins = shuffled[:2+g.rnd.IntN(3)]

	return fp
}

// Default returns the fixed fingerprint.
func (g *Generator) Default() Fingerprint {
	return Default()
}

// Default returns the fixed fingerprint used when randomization is disabled.
func Default() Fingerprint {
	return Fingerprint{
		userAgent:           DefaultUserAgent,
		chromeMajor:         "121",
		acceptLanguage:      "en-US,en;q=0.9",
		language:            "en-US",
		platform:            "Win64",
		width:               1920,
		height:              1080,
		colorDepth:          24,
		timezone:            "UTC",
		hardwareConcurrency: 8,
		deviceMemory:        8,
		plugins:             []string{"Chrome PDF Plugin", "Chrome PDF Viewer", "Native Client"},
		vendor:              "Google Inc.",
	}
}

// RendererEvasionScript returns a script that makes WebGL report a random
// unmasked vendor (37445) and renderer (37446).
func (g *Generator) RendererEvasionScript() string {
	g.mu.Lock()
	vendor := pick(g.rnd, webGLVendors)
	renderer := pick(g.rnd, webGLRenderers)
	g.mu.Unlock()

	return fmt.Sprintf(`(function() {
    const getParameter = WebGLRenderingContext.prototype.getParameter;
    WebGLRenderingContext.prototype.getParameter = function(parameter) {
        if (parameter === 37445) {
            return '%s';
        }
        if (parameter === 37446) {
            return '%s';
        }
        return getParameter.apply(this, arguments);
    };
})();`, vendor, renderer)
}

func pick(rnd *rand.Rand, values []string) string {
	return values[rnd.IntN(len(values))]
}

func userAgentFor(version, platform string) string {
	switch platform {
	case "Win32", "Win64":
		return "Mozilla/5.0 (Windows NT 10.0; " + platform + ") AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + version + " Safari/537.36"
	case "Linux x86_64":
		return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + version + " Safari/537.36"
	case "MacIntel":
		return "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + version + " Safari/537.36"
	default:
		return DefaultUserAgent
	}
}

// acceptLanguageFor builds an Accept-Language value such as "fr-FR,fr;q=0.9".
func acceptLanguageFor(language string) string {
	primary, _, found := strings.Cut(language, "-")
	if !found {
		return language
	}
	return language + "," + primary + ";q=0.9"
}
