package dispatch

import (
	"testing"

	"github.com/vaultmesh/vaultnode/internal/model"
)

func localState(self [32]byte, prefixesMatch bool, isClientHandler bool) LocalState {
	return LocalState{
		SelfID: self,
		Role:   model.RoleElder,
		PrefixMatches: func([32]byte) bool {
			return prefixesMatch
		},
		IsHandlerForClient: func([32]byte) bool {
			return isClientHandler
		},
	}
}

func TestClassify_ClientNonAuthForwards(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderClient},
		Destination: model.Destination{Kind: model.DestSection},
		Payload:     model.PayloadDataCmd,
	}
	ls := localState([32]byte{1}, true, false)
	if got := Classify(env, ls); got != ForwardToNetwork {
		t.Fatalf("expected ForwardToNetwork, got %v", got)
	}
}

func TestClassify_ClientAuthRunsAtGateway(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderClient},
		Destination: model.Destination{Kind: model.DestSection},
		Payload:     model.PayloadAuthCmd,
	}
	ls := localState([32]byte{1}, true, false)
	if got := Classify(env, ls); got != RunAtGateway {
		t.Fatalf("expected RunAtGateway, got %v", got)
	}
}

func TestClassify_NodeToNodeForwards(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderNode, Duty: model.DutyMetadata},
		Destination: model.Destination{Kind: model.DestNode, Node: [32]byte{9}},
		Payload:     model.PayloadBlobDataCmd,
	}
	ls := localState([32]byte{1}, true, false) // SELF != destination node
	if got := Classify(env, ls); got != ForwardToNetwork {
		t.Fatalf("expected ForwardToNetwork, got %v", got)
	}
}

func TestClassify_GatewayElderNodeDutyRunsAtPayment(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderNode, Duty: model.DutyGateway},
		Destination: model.Destination{Kind: model.DestSection},
		Payload:     model.PayloadDataCmd,
	}
	ls := localState([32]byte{1}, true, false)
	if got := Classify(env, ls); got != RunAtPayment {
		t.Fatalf("expected RunAtPayment, got %v", got)
	}
}

func TestClassify_PaymentElderAccumulatesForMetadata(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderNode, Duty: model.DutyPayment},
		Destination: model.Destination{Kind: model.DestSection},
		Payload:     model.PayloadDataCmd,
	}
	ls := localState([32]byte{1}, true, false)
	if got := Classify(env, ls); got != AccumulateForMetadata {
		t.Fatalf("expected AccumulateForMetadata, got %v", got)
	}
}

func TestClassify_AccumulatedPaymentRunsAtMetadata(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderSection, Duty: model.DutyPayment},
		Destination: model.Destination{Kind: model.DestSection},
		Payload:     model.PayloadDataCmd,
	}
	ls := localState([32]byte{1}, true, false)
	if got := Classify(env, ls); got != RunAtMetadata {
		t.Fatalf("expected RunAtMetadata, got %v", got)
	}
}

func TestClassify_MetadataElderAccumulatesForAdult(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderNode, Duty: model.DutyMetadata},
		Destination: model.Destination{Kind: model.DestSection},
		Payload:     model.PayloadBlobDataCmd,
	}
	ls := localState([32]byte{1}, true, false)
	if got := Classify(env, ls); got != AccumulateForAdult {
		t.Fatalf("expected AccumulateForAdult, got %v", got)
	}
}

func TestClassify_AccumulatedMetadataRunsAtAdult(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderSection, Duty: model.DutyMetadata},
		Destination: model.Destination{Kind: model.DestSection},
		Payload:     model.PayloadBlobDataCmd,
	}
	ls := localState([32]byte{1}, true, false)
	if got := Classify(env, ls); got != RunAtAdult {
		t.Fatalf("expected RunAtAdult, got %v", got)
	}
}

func TestClassify_PushToClient(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderNode, Duty: model.DutyMetadata},
		Destination: model.Destination{Kind: model.DestClient, Prefix: [32]byte{5}},
		Payload:     model.PayloadOther,
	}
	ls := localState([32]byte{1}, true, true)
	if got := Classify(env, ls); got != PushToClient {
		t.Fatalf("expected PushToClient, got %v", got)
	}
}

func TestClassify_UnmatchedIsUnknown(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderSection, Duty: model.DutyRewards},
		Destination: model.Destination{Kind: model.DestSection},
		Payload:     model.PayloadOther,
	}
	ls := localState([32]byte{1}, true, false)
	if got := Classify(env, ls); got != Unknown {
		t.Fatalf("expected Unknown, got %v", got)
	}
}

// TestClassify_ClientDestinationNeverForcesNetworkForward reproduces the
// case where a blob command is destined for a Client whose address happens
// not to share the local section prefix: this must never be classified
// ForwardToNetwork on that basis alone, since a Client destination is
// reached by PushToClient/the metadata-adult rules, not network forwarding.
func TestClassify_ClientDestinationNeverForcesNetworkForward(t *testing.T) {
	env := model.Envelope{
		Sender:      model.Sender{Kind: model.SenderNode, Duty: model.DutyMetadata},
		Destination: model.Destination{Kind: model.DestClient, Prefix: [32]byte{0xaa}},
		Payload:     model.PayloadBlobDataCmd,
	}
	ls := localState([32]byte{1}, false, false) // PrefixMatches(X) == false
	if got := Classify(env, ls); got != AccumulateForAdult {
		t.Fatalf("expected AccumulateForAdult, got %v", got)
	}
}

// TestClassify_Disjoint is the property-based check of spec §8 property 8:
// for every envelope, at most one rule in the table fires.
func TestClassify_Disjoint(t *testing.T) {
	senders := []model.Sender{
		{Kind: model.SenderClient},
		{Kind: model.SenderNode, Duty: model.DutyGateway},
		{Kind: model.SenderNode, Duty: model.DutyPayment},
		{Kind: model.SenderNode, Duty: model.DutyMetadata},
		{Kind: model.SenderSection, Duty: model.DutyPayment},
		{Kind: model.SenderSection, Duty: model.DutyMetadata},
	}
	destKinds := []model.DestinationKind{model.DestClient, model.DestNode, model.DestSection}
	payloads := []model.PayloadKind{model.PayloadOther, model.PayloadAuthCmd, model.PayloadDataCmd, model.PayloadBlobDataCmd}

	for _, self := range []bool{true, false} {
		for _, client := range []bool{true, false} {
			ls := localState([32]byte{1}, self, client)
			for _, s := range senders {
				for _, dk := range destKinds {
					for _, p := range payloads {
						env := model.Envelope{
							Sender:      s,
							Destination: model.Destination{Kind: dk, Node: [32]byte{2}, Prefix: [32]byte{3}},
							Payload:     p,
						}
						matches := 0
						for _, r := range table {
							if r.match(env, ls) {
								matches++
							}
						}
						if matches > 1 {
							t.Fatalf("envelope %+v matched %d rules", env, matches)
						}
					}
				}
			}
		}
	}
}
