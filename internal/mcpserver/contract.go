package mcpserver

// QueryGrammar describes the query term language for LLM consumers.
const QueryGrammar = `# kpq Query Grammar

Every call is one term:

    action://path?field#value

## Parts

- **action** (required): one of ` + "`get`, `put`, `post`, `del`" + `.
- **path** (required): slash-separated. The last segment is the record title,
  the segments before it are groups. ` + "`one/two/test`" + ` is the record "test" in group "one/two".
- **field** (optional, after ` + "`?`" + `): a standard attribute (` + "`title`, `username`, `password`, `url`, `notes`, `tags`, `expiry_time`" + `),
  a custom property name, or an attachment filename, looked up in that order.
- **value** (optional, after ` + "`#`" + `): plain text, or a JSON/YAML mapping when it starts with ` + "`{`" + `.

## Actions

| action | field     | value                          | effect                                      |
|--------|-----------|--------------------------------|---------------------------------------------|
| get    | optional  | optional default               | returns the record, or the field's value    |
| post   | forbidden | required mapping               | creates the record, fails if it exists      |
| put    | forbidden | required mapping               | creates or updates; unchanged values no-op  |
| del    | optional  | forbidden                      | deletes the record, or clears the field     |

Mappings may set standard attributes, ` + "`custom_properties`" + ` (a mapping),
custom keys directly, ` + "`tags`" + ` (list), ` + "`expiry_time`" + ` (RFC 3339) and
` + "`attachments`" + ` (list of ` + "`{filename, binary}`" + `, binary in base64).
A mapping must not contain ` + "`path`" + ` or ` + "`title`" + `; a null value removes the key.

## References

Field values of the form ` + "`{REF:U@I:<32 hex uuid>}`" + ` point at another record's field
(T title, U username, P password, A url, N notes, I the whole record) and are
resolved before being returned. Cycles are reported as errors.

## Examples

    get://web/github
    get://web/github?username
    get://web/github?api_token#none
    post://web/gitlab#{"username": "me", "url": "https://gitlab.com"}
    put://web/github#{"tags": ["work"], "custom_properties": {"team": "core"}}
    del://web/github?notes

Passwords are masked unless the server was started with reveal enabled.
`
