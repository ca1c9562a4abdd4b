// Package pathoverrides implements spec.md §4.C's search-path machinery:
// the ordered set of candidate paths a dependency's install name expands
// to once DYLD_* environment/load-command overrides, version checks, and
// platform fallbacks are applied. Ported from
// ProcessConfig::PathOverrides.
package pathoverrides

import (
	"strings"

	"github.com/samber/lo"

	"github.com/blacktop/go-dyld/dyld/procconfig"
)

// Type labels why a candidate path was produced, mirroring
// PathOverrides::Type.
type Type int

const (
	TypePathDirOverride Type = iota
	TypeVersionedOverride
	TypeSuffixOverride
	TypeCatalystPrefix
	TypeSimulatorPrefix
	TypeRawPath
	TypeRPathExpansion
	TypeLoaderPathExpansion
	TypeExecutablePathExpansion
	TypeImplicitRPathExpansion
	TypeCustomFallback
	TypeStandardFallback
)

func (t Type) String() string {
	switch t {
	case TypePathDirOverride:
		return "DYLD_FRAMEWORK/LIBRARY_PATH"
	case TypeVersionedOverride:
		return "DYLD_VERSIONED_FRAMEWORK/LIBRARY_PATH"
	case TypeSuffixOverride:
		return "DYLD_IMAGE_SUFFIX"
	case TypeCatalystPrefix:
		return "Catalyst prefix"
	case TypeSimulatorPrefix:
		return "simulator prefix"
	case TypeRawPath:
		return "original path"
	case TypeRPathExpansion:
		return "@rpath expansion"
	case TypeLoaderPathExpansion:
		return "@loader_path expansion"
	case TypeExecutablePathExpansion:
		return "@executable_path expansion"
	case TypeImplicitRPathExpansion:
		return "leaf name using rpath"
	case TypeCustomFallback:
		return "DYLD_FRAMEWORK/LIBRARY_FALLBACK_PATH"
	case TypeStandardFallback:
		return "default fallback"
	default:
		return "unknown"
	}
}

type fallbackMode int

const (
	fallbackClassic fallbackMode = iota
	fallbackRestricted
	fallbackNone
)

type dylibOverride struct {
	installName  string
	overridePath string
}

// Overrides holds every DYLD_* path-search knob collected from the
// environment and LC_DYLD_ENVIRONMENT, ported from
// ProcessConfig::PathOverrides's ivars.
type Overrides struct {
	dylibPathOverridesEnv       string
	frameworkPathOverridesEnv   string
	dylibPathFallbacksEnv       string
	frameworkPathFallbacksEnv   string
	versionedDylibPathsEnv      string
	versionedFrameworkPathsEnv  string
	dylibPathOverridesExeLC     string
	frameworkPathOverridesExeLC string
	dylibPathFallbacksExeLC     string
	frameworkPathFallbacksExeLC string
	versionedFrameworkPathExeLC string
	versionedDylibPathExeLC     string
	insertedDylibs              string
	imageSuffix                 string
	simRootPath                 string

	versionedOverrides []dylibOverride
	fallbackPathMode   fallbackMode
	insertedDylibCount int
}

// New builds Overrides from process env vars and LC_DYLD_ENVIRONMENT
// strings, honoring Security's allow bits exactly as the constructor of
// ProcessConfig::PathOverrides does. dyldEnvStrings is the main
// executable's LC_DYLD_ENVIRONMENT payload, always processed regardless
// of AllowEnvVarsPath.
func New(process *procconfig.Process, security *procconfig.Security, dyldEnvStrings []string) *Overrides {
	o := &Overrides{}
	if security.AllowClassicFallbackPaths {
		o.fallbackPathMode = fallbackClassic
	} else {
		o.fallbackPathMode = fallbackRestricted
	}

	if security.AllowEnvVarsPath {
		for _, kv := range process.Envp {
			o.addEnvVar(process, security, kv, false)
		}
	}

	for _, kv := range dyldEnvStrings {
		o.addEnvVar(process, security, kv, true)
	}

	return o
}

func setAppend(dst *string, value string) {
	if *dst == "" {
		*dst = value
		return
	}
	*dst = *dst + ":" + value
}

// expandAtPaths expands @executable_path/ and @loader_path/ prefixes
// against the main executable's canonical path, dropping @-prefixed
// entries entirely unless allowAtPaths is set — ported from the
// LC_DYLD_ENVIRONMENT branch of addEnvVar.
func expandAtPaths(value, mainExecutablePath string, allowAtPaths bool) string {
	if !strings.Contains(value, "@") {
		return value
	}
	parts := splitColonList(value)
	out := make([]string, 0, len(parts))
	dir := mainExecutablePath
	if i := strings.LastIndex(mainExecutablePath, "/"); i >= 0 {
		dir = mainExecutablePath[:i]
	}
	for _, part := range parts {
		if strings.HasPrefix(part, "@") && !allowAtPaths {
			continue
		}
		switch {
		case strings.HasPrefix(part, "@executable_path/"):
			out = append(out, dir+"/"+strings.TrimPrefix(part, "@executable_path/"))
		case strings.HasPrefix(part, "@loader_path/"):
			out = append(out, dir+"/"+strings.TrimPrefix(part, "@loader_path/"))
		default:
			out = append(out, part)
		}
	}
	return strings.Join(out, ":")
}

func (o *Overrides) addEnvVar(process *procconfig.Process, security *procconfig.Security, keyEqualsValue string, isLCDyldEnv bool) {
	eq := strings.IndexByte(keyEqualsValue, '=')
	if eq < 0 {
		return
	}
	key, value := keyEqualsValue[:eq], keyEqualsValue[eq+1:]

	if isLCDyldEnv && strings.Contains(value, "@") {
		value = expandAtPaths(value, process.MainExecutablePath, security.AllowAtPaths)
	}

	switch key {
	case "DYLD_LIBRARY_PATH":
		if isLCDyldEnv {
			setAppend(&o.dylibPathOverridesExeLC, value)
		} else {
			setAppend(&o.dylibPathOverridesEnv, value)
		}
	case "DYLD_FRAMEWORK_PATH":
		if isLCDyldEnv {
			setAppend(&o.frameworkPathOverridesExeLC, value)
		} else {
			setAppend(&o.frameworkPathOverridesEnv, value)
		}
	case "DYLD_FALLBACK_FRAMEWORK_PATH":
		if isLCDyldEnv {
			setAppend(&o.frameworkPathFallbacksExeLC, value)
		} else {
			setAppend(&o.frameworkPathFallbacksEnv, value)
		}
	case "DYLD_FALLBACK_LIBRARY_PATH":
		if isLCDyldEnv {
			setAppend(&o.dylibPathFallbacksExeLC, value)
		} else {
			setAppend(&o.dylibPathFallbacksEnv, value)
		}
	case "DYLD_VERSIONED_FRAMEWORK_PATH":
		if isLCDyldEnv {
			setAppend(&o.versionedFrameworkPathExeLC, value)
		} else {
			setAppend(&o.versionedFrameworkPathsEnv, value)
		}
	case "DYLD_VERSIONED_LIBRARY_PATH":
		if isLCDyldEnv {
			setAppend(&o.versionedDylibPathExeLC, value)
		} else {
			setAppend(&o.versionedDylibPathsEnv, value)
		}
	case "DYLD_INSERT_LIBRARIES":
		setAppend(&o.insertedDylibs, value)
		o.insertedDylibCount = len(splitColonList(o.insertedDylibs))
	case "DYLD_IMAGE_SUFFIX":
		setAppend(&o.imageSuffix, value)
	case "DYLD_ROOT_PATH":
		if process.Platform.IsSimulator() {
			setAppend(&o.simRootPath, value)
		}
	}
}

func splitColonList(list string) []string {
	if list == "" {
		return nil
	}
	return lo.Filter(strings.Split(list, ":"), func(s string, _ int) bool { return s != "" })
}

// VersionedDylibPathDirs returns every DYLD_VERSIONED_LIBRARY_PATH
// directory (env and LC_DYLD_ENVIRONMENT combined), for the launch-time
// processVersionedPaths scan that decides which ones actually beat the
// original and calls AddVersionedOverride.
func (o *Overrides) VersionedDylibPathDirs() []string {
	return append(splitColonList(o.versionedDylibPathsEnv), splitColonList(o.versionedDylibPathExeLC)...)
}

// VersionedFrameworkPathDirs is VersionedDylibPathDirs's
// DYLD_VERSIONED_FRAMEWORK_PATH counterpart.
func (o *Overrides) VersionedFrameworkPathDirs() []string {
	return append(splitColonList(o.versionedFrameworkPathsEnv), splitColonList(o.versionedFrameworkPathExeLC)...)
}

// AddVersionedOverride records that installName should resolve to
// overridePath, mirroring PathOverrides::addPathOverride. Callers
// (dyld/launch's versioned-path scan) have already done the
// checkVersionedPath version comparison against the shared cache or
// on-disk dylib before calling this.
func (o *Overrides) AddVersionedOverride(installName, overridePath string) {
	for i, ov := range o.versionedOverrides {
		if ov.installName == installName {
			o.versionedOverrides[i].overridePath = overridePath
			return
		}
	}
	o.versionedOverrides = append(o.versionedOverrides, dylibOverride{installName: installName, overridePath: overridePath})
}

// HasInsertedDylibs mirrors PathOverrides::hasInsertedDylibs.
func (o *Overrides) HasInsertedDylibs() bool { return o.insertedDylibCount != 0 }

// InsertedDylibCount mirrors PathOverrides::insertedDylibCount.
func (o *Overrides) InsertedDylibCount() int { return o.insertedDylibCount }

// ForEachInsertedDylib walks DYLD_INSERT_LIBRARIES' colon-separated list,
// stopping early if handler returns false.
func (o *Overrides) ForEachInsertedDylib(handler func(path string) bool) {
	for _, p := range splitColonList(o.insertedDylibs) {
		if !handler(p) {
			return
		}
	}
}

// DontUsePrebuiltForApp mirrors PathOverrides::dontUsePrebuiltForApp: any
// of the override-class env vars disables the prebuilt-loader-set fast
// path for the main app.
func (o *Overrides) DontUsePrebuiltForApp() bool {
	if o.dylibPathOverridesEnv != "" || o.frameworkPathOverridesEnv != "" {
		return true
	}
	if o.versionedDylibPathsEnv != "" || o.versionedFrameworkPathsEnv != "" {
		return true
	}
	if o.insertedDylibs != "" || o.imageSuffix != "" {
		return true
	}
	if o.versionedDylibPathExeLC != "" || o.versionedFrameworkPathExeLC != "" {
		return true
	}
	return false
}

// SimRootPath mirrors PathOverrides::simRootPath.
func (o *Overrides) SimRootPath() string { return o.simRootPath }

// GetLibraryLeafName returns the final path component, mirroring
// PathOverrides::getLibraryLeafName (the C version returns the whole
// string when there's no slash).
func GetLibraryLeafName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// addSuffix inserts suffix just before the final extension in the leaf
// component of path, or appends it when there's no extension — ported
// from PathOverrides::addSuffix.
func addSuffix(path, suffix string) string {
	dir, leaf := "", path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		dir, leaf = path[:i+1], path[i+1:]
	}
	if dot := strings.LastIndex(leaf, "."); dot >= 0 {
		return dir + leaf[:dot] + suffix + leaf[dot:]
	}
	return dir + leaf + suffix
}

// getFrameworkPartialPath extracts "Foo.framework/..." from a path ending
// in a framework's canonical binary location, or "" if path isn't a
// framework path — ported from PathOverrides::getFrameworkPartialPath.
func getFrameworkPartialPath(path string) (string, bool) {
	idx := strings.LastIndex(path, ".framework/")
	if idx < 0 {
		return "", false
	}
	start := strings.LastIndex(path[:idx], "/")
	frameworkStart := start + 1 // -1+1==0 when no slash found
	framework := path[frameworkStart:idx]
	leaf := GetLibraryLeafName(path)
	if framework == leaf {
		return path[frameworkStart:], true
	}
	return "", false
}

// forEachImageSuffix expands path through every DYLD_IMAGE_SUFFIX variant
// (if set), yielding the unsuffixed form last, per
// PathOverrides::forEachImageSuffix.
func (o *Overrides) forEachImageSuffix(path string, t Type, handler func(path string, t Type) bool) bool {
	if o.imageSuffix == "" {
		return handler(path, t)
	}
	for _, suffix := range splitColonList(o.imageSuffix) {
		if !handler(addSuffix(path, suffix), TypeSuffixOverride) {
			return false
		}
	}
	return handler(path, t)
}

func (o *Overrides) forEachDylibFallback(platform procconfig.Platform, disableCustom bool, handler func(dir string, t Type) bool) bool {
	if !disableCustom && (o.dylibPathFallbacksEnv != "" || o.dylibPathFallbacksExeLC != "") {
		for _, d := range append(splitColonList(o.dylibPathFallbacksEnv), splitColonList(o.dylibPathFallbacksExeLC)...) {
			if !handler(d, TypeCustomFallback) {
				return false
			}
		}
		return true
	}
	switch platform {
	case procconfig.PlatformMacOS:
		if o.fallbackPathMode == fallbackClassic {
			if !handler("/usr/local/lib", TypeStandardFallback) {
				return false
			}
		}
		if o.fallbackPathMode != fallbackNone {
			return handler("/usr/lib", TypeStandardFallback)
		}
	case procconfig.PlatformDriverKit:
		// no fallback searching for driverkit
	default:
		if o.fallbackPathMode == fallbackNone {
			return true
		}
		if platform == procconfig.PlatformIOS || platform == procconfig.PlatformWatchOS ||
			platform == procconfig.PlatformTvOS || platform == procconfig.PlatformBridgeOS ||
			platform == procconfig.PlatformUnknown {
			if !handler("/usr/local/lib", TypeStandardFallback) {
				return false
			}
		}
		return handler("/usr/lib", TypeStandardFallback)
	}
	return true
}

func (o *Overrides) forEachFrameworkFallback(platform procconfig.Platform, disableCustom bool, handler func(dir string, t Type) bool) bool {
	if !disableCustom && (o.frameworkPathFallbacksEnv != "" || o.frameworkPathFallbacksExeLC != "") {
		for _, d := range append(splitColonList(o.frameworkPathFallbacksEnv), splitColonList(o.frameworkPathFallbacksExeLC)...) {
			if !handler(d, TypeCustomFallback) {
				return false
			}
		}
		return true
	}
	if o.fallbackPathMode == fallbackNone {
		return true
	}
	if platform == procconfig.PlatformMacOS && o.fallbackPathMode == fallbackClassic {
		if !handler("/Library/Frameworks", TypeStandardFallback) {
			return false
		}
	}
	if platform == procconfig.PlatformDriverKit {
		return true
	}
	return handler("/System/Library/Frameworks", TypeStandardFallback)
}

// ForEachPathVariant walks every candidate location for requestedPath in
// priority order, stopping as soon as handler returns false — ported from
// PathOverrides::forEachPathVariant. It returns false when handler stopped
// the walk early (a match was found) and true when every candidate was
// visited.
func (o *Overrides) ForEachPathVariant(requestedPath string, platform procconfig.Platform, disableCustomFallbacks bool, handler func(path string, t Type) bool) bool {
	frameworkPartial, isFramework := getFrameworkPartialPath(requestedPath)

	if isFramework {
		if o.frameworkPathOverridesEnv != "" || o.frameworkPathOverridesExeLC != "" {
			for _, dir := range append(splitColonList(o.frameworkPathOverridesEnv), splitColonList(o.frameworkPathOverridesExeLC)...) {
				if !o.forEachImageSuffix(dir+"/"+frameworkPartial, TypePathDirOverride, handler) {
					return false
				}
			}
		}
	} else if o.dylibPathOverridesEnv != "" || o.dylibPathOverridesExeLC != "" {
		leaf := GetLibraryLeafName(requestedPath)
		for _, dir := range append(splitColonList(o.dylibPathOverridesEnv), splitColonList(o.dylibPathOverridesExeLC)...) {
			if !o.forEachImageSuffix(dir+"/"+leaf, TypePathDirOverride, handler) {
				return false
			}
		}
	}

	for _, ov := range o.versionedOverrides {
		if ov.installName == requestedPath {
			return handler(ov.overridePath, TypeVersionedOverride)
		}
	}

	effectivePath := requestedPath
	if !strings.HasPrefix(requestedPath, "@") {
		searchiOSSupport := platform == procconfig.PlatformIOSMac
		if platform == procconfig.PlatformIOS {
			searchiOSSupport = true
			if requestedPath == "/System/Library/PrivateFrameworks/WebKit.framework/WebKit" {
				effectivePath = "/System/Library/Frameworks/WebKit.framework/WebKit"
			}
		}
		if searchiOSSupport && !strings.HasPrefix(effectivePath, "/System/iOSSupport/") {
			if !o.forEachImageSuffix("/System/iOSSupport"+effectivePath, TypeCatalystPrefix, handler) {
				return false
			}
		}
		if platform.IsSimulator() && o.simRootPath != "" {
			if !o.forEachImageSuffix(o.simRootPath+effectivePath, TypeSimulatorPrefix, handler) {
				return false
			}
		}
	}

	if !o.forEachImageSuffix(effectivePath, TypeRawPath, handler) {
		return false
	}

	if isFramework {
		return o.forEachFrameworkFallback(platform, disableCustomFallbacks, func(dir string, t Type) bool {
			candidate := dir + "/" + frameworkPartial
			if candidate == effectivePath {
				return true
			}
			return o.forEachImageSuffix(candidate, t, handler)
		})
	}
	leaf := GetLibraryLeafName(effectivePath)
	return o.forEachDylibFallback(platform, disableCustomFallbacks, func(dir string, t Type) bool {
		candidate := dir + "/" + leaf
		if candidate == effectivePath {
			return true
		}
		return o.forEachImageSuffix(candidate, t, handler)
	})
}
