/*
Package namespace implements the namespace grammar and provider-name
transliteration.

Namespaces are hierarchical path strings used purely as isolation keys:
instance identities and key groups are scoped by them, nothing else. A
namespace is absolute ("/"-rooted), "/"-terminated, and every component
matches [0-9a-zA-Z.-][_0-9a-zA-Z.-]*. A leading underscore is reserved
for system-generated names so user names can never collide with them.

Because the compute provider's name grammar is flat (no slashes), namespaced
names are transliterated for provider-visible resources: underscores are
doubled, then slashes become single underscores. The mapping is reversible,
which the package guarantees via FromProviderName:

	/env/box    ⇄  _env_box
	/env_a/box  ⇄  _env__a_box

# Usage

	if err := namespace.Validate("/env/"); err != nil { ... }

	abs, err := namespace.Absolute("/env/", "box")   // "/env/box"

	tag := namespace.ToProviderName("/env/box")       // "_env_box"
	q := namespace.QueueName(types.Identity{
		Namespace: "/env/", Role: "box", Ordinal: 0,
	})                                                // "hutch-agent-_env_box-0"

# Integration Points

  - pkg/controller: validates namespaces on every entry point, names
    provider resources
  - pkg/publisher: scopes sequences and subscriptions
  - pkg/agent: derives its queue name from its identity
  - cmd/hutch: resolves the --namespace flag
*/
package namespace
