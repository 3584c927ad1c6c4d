package assembly

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestParseTemplateJSONAndYAML(t *testing.T) {
	fromJSON, err := ParseTemplate([]byte(`{"Resources":{"A":{"Type":"AWS::S3::Bucket"}}}`))
	require.NoError(t, err)

	fromYAML, err := ParseTemplate([]byte("Resources:\n  A:\n    Type: AWS::S3::Bucket\n"))
	require.NoError(t, err)

	assert.Equal(t, fromJSON.Resources(), fromYAML.Resources())
	assert.Equal(t, "AWS::S3::Bucket", ResourceType(fromJSON.Resource("A")))
}

func TestParameterDeclarations(t *testing.T) {
	template, err := ParseTemplate([]byte(`{
		"Parameters": {
			"Env":  {"Type": "String"},
			"Size": {"Type": "Number", "Default": 3}
		}
	}`))
	require.NoError(t, err)

	decls := template.ParameterDeclarations()
	require.Len(t, decls, 2)
	byName := map[string]ParameterDeclaration{}
	for _, d := range decls {
		byName[d.Name] = d
	}
	assert.False(t, byName["Env"].HasDefault)
	assert.True(t, byName["Size"].HasDefault)
}

func TestListStacksFindsTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "api.template.json", "{}")
	writeFile(t, dir, "web.template.yaml", "Resources: {}")
	writeFile(t, dir, "notes.txt", "irrelevant")

	stacks, err := ListStacks(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web"}, stacks)
}

func TestLoadStackWithSidecarAndAssets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "api.template.json", `{"Resources":{"Fn":{"Type":"AWS::Lambda::Function"}}}`)
	writeFile(t, dir, "api.deploy.json", `{
		"tags": [{"key": "env", "value": "prod"}],
		"terminationProtection": true,
		"templateUrl": "s3://bucket/api.json"
	}`)
	writeFile(t, dir, "api.assets.json", `{
		"files": {
			"abc123": {
				"source": {"path": "fn.zip"},
				"destination": {"bucketName": "assets", "objectKey": "abc123.zip"}
			}
		}
	}`)

	stack, err := LoadStack(dir, "api")
	require.NoError(t, err)

	assert.Equal(t, "api", stack.Name)
	assert.Equal(t, []Tag{{Key: "env", Value: "prod"}}, stack.Tags)
	assert.True(t, stack.TerminationProtection)
	assert.Equal(t, "s3://bucket/api.json", stack.TemplateURL)
	require.NotNil(t, stack.Assets)
	assert.Equal(t, dir, stack.Assets.Dir)
	assert.Contains(t, stack.Assets.Files, "abc123")
}

func TestLoadStackWithoutSidecar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plain.template.json", "{}")

	stack, err := LoadStack(dir, "plain")
	require.NoError(t, err)
	assert.Empty(t, stack.Tags)
	assert.False(t, stack.TerminationProtection)
	assert.Nil(t, stack.Assets)
}

func TestLoadStackMissingTemplate(t *testing.T) {
	_, err := LoadStack(t.TempDir(), "ghost")
	assert.Error(t, err)
}

func TestEnvironmentSubstitute(t *testing.T) {
	env := Environment{Account: "123456789012", Region: "eu-west-1"}
	assert.Equal(t,
		"assets-123456789012-eu-west-1",
		env.Substitute("assets-${AWS::AccountId}-${AWS::Region}"))
	// Partition is deliberately untouched.
	assert.Equal(t, "${AWS::Partition}", env.Substitute("${AWS::Partition}"))
}

func TestManifestIDsForPaths(t *testing.T) {
	m := &Manifest{Files: map[string]FileAsset{}}
	a := FileAsset{}
	a.Source.Path = "fn.zip"
	m.Files["idA"] = a

	ids, missing := m.IDsForPaths([]string{"fn.zip", "ghost.zip"})
	assert.Equal(t, []string{"idA"}, ids)
	assert.Equal(t, []string{"ghost.zip"}, missing)
}
