package camrec

import "sync/atomic"

// Provider identifies a codec implementation.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let library choose best available
	ProviderX264                     // GPL H.264 encoder in libmedia_h264
	ProviderOpenH264                 // BSD H.264 encoder in libmedia_h264
	ProviderFDKAAC                   // AAC-LC encoder in libmedia_aac
	ProviderHost                     // Backend registered by the host application (hardware codecs)
	providerCount
)

// License represents the software license of a provider.
type License uint8

const (
	LicenseGPL License = iota // Copyleft - requires source disclosure
	LicenseBSD                // Permissive - no copyleft obligations
)

// Permissive returns true if the license has no copyleft obligations.
func (l License) Permissive() bool { return l == LicenseBSD }

func (l License) String() string {
	switch l {
	case LicenseGPL:
		return "GPL"
	case LicenseBSD:
		return "BSD"
	default:
		return "unknown"
	}
}

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureSurfaceInput   Features = 1 << iota // Accepts rendered frames from a GPU surface
	FeatureBufferInput                         // Accepts raw input buffers
	FeatureLowLatency                          // Optimized for real-time
	FeatureDynamicBitrate                      // Runtime bitrate changes
	FeatureHardware                            // Runs on dedicated hardware
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

type providerMeta struct {
	Name     string
	License  License
	Features Features
}

var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {"auto", LicenseBSD, 0},
	ProviderX264:     {"x264", LicenseGPL, FeatureSurfaceInput | FeatureLowLatency | FeatureDynamicBitrate},
	ProviderOpenH264: {"openh264", LicenseBSD, FeatureSurfaceInput | FeatureLowLatency | FeatureDynamicBitrate},
	ProviderFDKAAC:   {"fdk-aac", LicenseBSD, FeatureBufferInput | FeatureLowLatency},
	ProviderHost:     {"host", LicenseBSD, FeatureSurfaceInput | FeatureBufferInput | FeatureHardware},
}

// Runtime availability - set by init() in provider implementations.
var providerAvailable [providerCount]atomic.Bool

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// License returns the provider's license type.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseGPL
	}
	return providerInfo[p].License
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

// ParseProvider resolves a provider by name. Unknown names map to ProviderAuto.
func ParseProvider(name string) Provider {
	for p := Provider(0); p < providerCount; p++ {
		if providerInfo[p].Name == name {
			return p
		}
	}
	return ProviderAuto
}

func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}
