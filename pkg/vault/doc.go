/*
Package vault seals platform secrets with AES-256-GCM.

Secret values (LLM provider keys, registry credentials, model-scoped
tokens) are encrypted before they reach the store and decrypted only when
a global admin reads them back or a job spec needs them injected. The
sealed form is nonce||ciphertext, self-contained in one column.

The key comes from configuration as 64 hex characters (BAZAAR_VAULT_KEY);
NewFromPassphrase derives one from a passphrase for development setups.

Losing the key orphans every sealed value. There is no key rotation here:
rotating means re-sealing each secret under a new vault, which the caller
owns because only it can enumerate the rows.

See pkg/store for persistence and pkg/api for the /vault endpoints.
*/
package vault
