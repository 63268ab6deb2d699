package beacon

import "sync"

// AssetResponder is the one-shot reply handle for a single fetchAsset
// request (spec.md §4.6.6 "Assets", §6 "Asset handler contract").
type AssetResponder struct {
	once  sync.Once
	reply func(ok bool, errMsg string, data []byte)
}

func newAssetResponder(reply func(ok bool, errMsg string, data []byte)) *AssetResponder {
	return &AssetResponder{reply: reply}
}

// RespondOK fulfils the fetch with the asset's bytes.
func (r *AssetResponder) RespondOK(data []byte) {
	r.once.Do(func() { r.reply(true, "", data) })
}

// RespondErr fulfils the fetch with an error message.
func (r *AssetResponder) RespondErr(msg string) {
	r.once.Do(func() { r.reply(false, msg, nil) })
}

func (r *AssetResponder) ensure() {
	r.once.Do(func() { r.reply(false, "asset handler dropped without responding", nil) })
}

// AssetHandler is implemented by embedding code that serves fetchAsset
// requests. Fetch must eventually drive responder to completion via
// RespondOK or RespondErr.
type AssetHandler interface {
	Fetch(clientID string, uri string, responder *AssetResponder)
}
