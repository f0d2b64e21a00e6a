package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// BasicEvasionScript hides the webdriver flag and reports a non-empty plugin list.
const BasicEvasionScript = `(() => {
    Object.defineProperty(navigator, 'webdriver', { get: () => false });
    const names = ['Chrome PDF Plugin', 'Chrome PDF Viewer', 'Native Client'];
    Object.defineProperty(navigator, 'plugins', {
        get: () => [1, 2, 3, 4, 5].map(() => ({ name: names[Math.floor(Math.random() * names.length)] }))
    });
})();`

// AdvancedEvasionScript wraps canvas export and randomizes the unmasked WebGL vendor.
const AdvancedEvasionScript = `(() => {
    const createElement = document.createElement;
    document.createElement = function(...args) {
        const element = createElement.apply(this, args);
        if (element.tagName === 'CANVAS') {
            const toDataURL = element.toDataURL;
            element.toDataURL = function(...a) { return toDataURL.apply(this, a); };
        }
        return element;
    };

    const vendors = ['Google Inc.', 'Apple Computer, Inc.', 'Intel Inc.', 'NVIDIA Corporation'];
    try {
        const getParameter = WebGLRenderingContext.prototype.getParameter;
        WebGLRenderingContext.prototype.getParameter = function(parameter) {
            if (parameter === 37445) {
                return vendors[Math.floor(Math.random() * vendors.length)];
            }
            return getParameter.apply(this, arguments);
        };
    } catch (e) {}
})();`

// identityScript aligns navigator.languages with the Accept-Language header the
// solve was given, so the JS-visible identity matches the network one.
func identityScript(acceptLanguage string) string {
	langs := parseLanguages(acceptLanguage)
	if len(langs) == 0 {
		return ""
	}
	encoded, _ := json.Marshal(langs)
	return fmt.Sprintf(`(() => {
    const langs = Object.freeze(%s);
    Object.defineProperty(navigator, 'languages', { get: () => langs, configurable: true });
    Object.defineProperty(navigator, 'language', { get: () => langs[0], configurable: true });
})();`, encoded)
}

// parseLanguages returns the language tags of an Accept-Language value in order.
func parseLanguages(acceptLanguage string) []string {
	var out []string
	for part := range strings.SplitSeq(acceptLanguage, ",") {
		tag, _, _ := strings.Cut(part, ";")
		tag = strings.TrimSpace(tag)
		if tag != "" && tag != "*" {
			out = append(out, tag)
		}
	}
	return out
}

// PageScripts returns the scripts to run before page scripts for one solve.
func PageScripts(acceptLanguage string, evasions bool, extra []string) []string {
	var scripts []string
	if s := identityScript(acceptLanguage); s != "" {
		scripts = append(scripts, s)
	}
	if evasions {
		scripts = append(scripts, BasicEvasionScript, AdvancedEvasionScript)
		scripts = append(scripts, extra...)
	}
	return scripts
}

// CreateStealthPage creates a page with go-rod/stealth patches and scripts
// evaluated on every new document.
func CreateStealthPage(browser *rod.Browser, scripts ...string) (*rod.Page, error) {
	page, err := stealth.Page(browser)
	if err != nil {
		return nil, err
	}
	for _, s := range scripts {
		if _, err := page.EvalOnNewDocument(s); err != nil {
			page.Close()
			return nil, err
		}
	}
	return page, nil
}
