package patient

// AssetKind names a best-effort secondary asset attached to a case.
type AssetKind string

const (
	AssetAvatar         AssetKind = "avatar"
	AssetConditionImage AssetKind = "condition_image"
	AssetAudio          AssetKind = "audio"
)

// Asset is a resolved secondary asset. Data is a data URI for images and
// base64 PCM for audio; Audio is set only for AssetAudio.
type Asset struct {
	Kind  AssetKind `json:"kind"`
	Data  string    `json:"data"`
	Audio AudioKind `json:"audio,omitempty"`
}
