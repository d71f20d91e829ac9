package router

import "github.com/gammazero/nexus/v3/wamp"

const (
	roleCallee     = "callee"
	roleCaller     = "caller"
	rolePublisher  = "publisher"
	roleSubscriber = "subscriber"

	featureCallCanceling   = "call_canceling"
	featureCallTimeout     = "call_timeout"
	featureCallerIdent     = "caller_identification"
	featurePatternBasedReg = "pattern_based_registration"
	featurePatternBasedSub = "pattern_based_subscription"
	featureProgCallResults = "progressive_call_results"
	featurePublisherIdent  = "publisher_identification"
	featurePublisherExcl   = "publisher_exclusion"
	featureSubBlackWhite   = "subscriber_blackwhite_listing"
	featureSessionMetaAPI  = "session_meta_api"
	featureSharedReg       = "shared_registration"
	featureRegMetaAPI      = "registration_meta_api"
	featureSubMetaAPI      = "subscription_meta_api"
	featureEventHistory    = "event_history"
	featureTestamentAPI    = "testament_meta_api"
)

// Message option keys read by the broker and dealer. Kept local so the
// routing code spells each key exactly once.
const (
	optAcknowledge      = "acknowledge"
	optExcludeMe        = "exclude_me"
	optExclude          = "exclude"
	optExcludeAuthid    = "exclude_authid"
	optExcludeAuthrole  = "exclude_authrole"
	optEligible         = "eligible"
	optEligibleAuthid   = "eligible_authid"
	optEligibleAuthrole = "eligible_authrole"
	optForceReregister  = "force_reregister"
	optConcurrency      = "concurrency"
	optForwardFor       = "forward_for"
	optRetain           = "retain"
)

// brokerFeatures is the feature dict advertised for the "broker" role.
var brokerFeatures = wamp.Dict{
	"features": wamp.Dict{
		featureSubBlackWhite:   true,
		featurePublisherExcl:   true,
		featurePublisherIdent:  true,
		featurePatternBasedSub: true,
		featureSubMetaAPI:      true,
		featureSessionMetaAPI:  true,
		featureEventHistory:    true,
	},
}

// dealerFeatures is the feature dict advertised for the "dealer" role.
var dealerFeatures = wamp.Dict{
	"features": wamp.Dict{
		featureCallCanceling:   true,
		featureCallTimeout:     true,
		featureCallerIdent:     true,
		featurePatternBasedReg: true,
		featureProgCallResults: true,
		featureSharedReg:       true,
		featureRegMetaAPI:      true,
		featureSessionMetaAPI:  true,
		featureTestamentAPI:    true,
	},
}
