package cmd

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/relay/protocol"
)

var _ = Describe("replyJSON()", func() {
	It("renders scalars", func() {
		doc, err := replyJSON(protocol.Reply{Kind: protocol.KindInteger, Int: 42})
		Expect(err).To(Succeed())
		Expect(doc).To(MatchJSON(`{"kind": "integer", "value": 42}`))

		doc, err = replyJSON(protocol.Reply{Kind: protocol.KindBulk, Null: true})
		Expect(err).To(Succeed())
		Expect(doc).To(MatchJSON(`{"kind": "bulk string", "value": null}`))
	})

	It("renders nested arrays", func() {
		doc, err := replyJSON(protocol.Reply{
			Kind: protocol.KindArray,
			Elems: []protocol.Reply{
				{Kind: protocol.KindBulk, Str: []byte("a\"b")},
				{Kind: protocol.KindArray, Elems: []protocol.Reply{
					{Kind: protocol.KindSimple, Str: []byte("OK")},
				}},
			},
		})
		Expect(err).To(Succeed())
		Expect(doc).To(MatchJSON(`{
			"kind": "array",
			"value": [
				{"kind": "bulk string", "value": "a\"b"},
				{"kind": "array", "value": [{"kind": "simple string", "value": "OK"}]}
			]
		}`))
	})

	It("renders empty arrays", func() {
		doc, err := replyJSON(protocol.Reply{Kind: protocol.KindArray})
		Expect(err).To(Succeed())
		Expect(doc).To(MatchJSON(`{"kind": "array", "value": []}`))
	})
})
