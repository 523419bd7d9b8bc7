package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// CanonicalJSON encodes v the way signatures and result hashes see it:
// map keys sorted, no HTML escaping, no trailing newline.
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonicalObject writes a JSON object with keys in the given order.
// Fields whose value is nil are left out.
type canonicalObject struct {
	buf   bytes.Buffer
	count int
	err   error
}

func (o *canonicalObject) field(key string, value interface{}) {
	if o.err != nil || value == nil {
		return
	}
	if o.count == 0 {
		o.buf.WriteByte('{')
	} else {
		o.buf.WriteByte(',')
	}
	k, _ := CanonicalJSON(key)
	o.buf.Write(k)
	o.buf.WriteByte(':')
	v, err := CanonicalJSON(value)
	if err != nil {
		o.err = fmt.Errorf("encode %s: %w", key, err)
		return
	}
	o.buf.Write(v)
	o.count++
}

func (o *canonicalObject) bytes() ([]byte, error) {
	if o.err != nil {
		return nil, o.err
	}
	if o.count == 0 {
		return []byte("{}"), nil
	}
	o.buf.WriteByte('}')
	return o.buf.Bytes(), nil
}

func optString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CanonicalRequest returns the bytes a task request signature covers.
// Field order is fixed: task_id, requester_id, task_type, description,
// params, payment_offer, callback_url, deadline, nonce, timestamp.
func CanonicalRequest(r *TaskRequest) ([]byte, error) {
	var o canonicalObject
	o.field("task_id", r.TaskID)
	o.field("requester_id", r.RequesterID)
	o.field("task_type", r.TaskType)
	o.field("description", r.Description)
	// An empty params object never reaches the wire, so it is not signed.
	if len(r.Params) > 0 {
		o.field("params", r.Params)
	}
	if r.PaymentOffer != nil {
		o.field("payment_offer", r.PaymentOffer)
	}
	o.field("callback_url", optString(r.CallbackURL))
	o.field("deadline", optString(r.Deadline))
	o.field("nonce", r.Nonce)
	o.field("timestamp", r.Timestamp)
	return o.bytes()
}

// CanonicalReceipt returns the bytes the agent signature covers.
func CanonicalReceipt(rc *Receipt) ([]byte, error) {
	var o canonicalObject
	receiptFields(&o, rc)
	return o.bytes()
}

// canonicalCounterSigned is what a requester signs: the receipt body
// followed by the agent signature it endorses.
func canonicalCounterSigned(rc *Receipt) ([]byte, error) {
	var o canonicalObject
	receiptFields(&o, rc)
	o.field("agent_signature", rc.AgentSignature)
	return o.bytes()
}

func receiptFields(o *canonicalObject, rc *Receipt) {
	o.field("task_id", rc.TaskID)
	o.field("requester_id", rc.RequesterID)
	o.field("agent_id", rc.AgentID)
	o.field("task_type", rc.TaskType)
	o.field("completion_timestamp", rc.CompletionTimestamp)
	o.field("result_hash", rc.ResultHash)
	o.field("payment_proof", optString(rc.PaymentProof))
}

// SignMessage produces a hex detached Ed25519 signature over msg.
func SignMessage(msg []byte, sk ed25519.PrivateKey) string {
	return hex.EncodeToString(ed25519.Sign(sk, msg))
}

// VerifyMessage checks a hex signature against a hex public key. It
// never panics: malformed keys or signatures just fail verification.
func VerifyMessage(msg []byte, sigHex, pubHex string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// SignRequest fills r.Signature using kp. RequesterID must already be set.
func SignRequest(r *TaskRequest, kp *Keypair) error {
	msg, err := CanonicalRequest(r)
	if err != nil {
		return err
	}
	r.Signature = SignMessage(msg, kp.SecretKey)
	return nil
}

// VerifyRequest checks the request signature against its requester id.
func VerifyRequest(r *TaskRequest) bool {
	msg, err := CanonicalRequest(r)
	if err != nil {
		return false
	}
	return VerifyMessage(msg, r.Signature, r.RequesterID)
}

// VerifyReceipt checks the agent signature on a receipt against agentID.
func VerifyReceipt(rc *Receipt, agentID string) bool {
	msg, err := CanonicalReceipt(rc)
	if err != nil {
		return false
	}
	return VerifyMessage(msg, rc.AgentSignature, agentID)
}

// CounterSignReceipt fills rc.RequesterSignature. Only the requester
// named on the receipt can counter-sign it.
func CounterSignReceipt(rc *Receipt, kp *Keypair) error {
	if kp.ID() != rc.RequesterID {
		return fmt.Errorf("receipt belongs to requester %s, not %s", shortID(rc.RequesterID), shortID(kp.ID()))
	}
	if rc.AgentSignature == "" {
		return errors.New("receipt has no agent signature to endorse")
	}
	msg, err := canonicalCounterSigned(rc)
	if err != nil {
		return err
	}
	rc.RequesterSignature = SignMessage(msg, kp.SecretKey)
	return nil
}

// VerifyCounterSignature checks the requester signature on a receipt.
// A receipt without one does not verify.
func VerifyCounterSignature(rc *Receipt) bool {
	if rc.RequesterSignature == "" {
		return false
	}
	msg, err := canonicalCounterSigned(rc)
	if err != nil {
		return false
	}
	return VerifyMessage(msg, rc.RequesterSignature, rc.RequesterID)
}

// HashResult is the hex SHA-256 of the canonical encoding of result.
func HashResult(result interface{}) (string, error) {
	b, err := CanonicalJSON(result)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
